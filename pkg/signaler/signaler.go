// Package signaler implements the Cross-Chain Signaler of spec.md §4.6:
// for each source deposit event, resolve every configured linked
// destination, optionally skip it if the destination has already caught
// up (the smart-update gate), build the canonical proposal payload
// (§4.5), and enqueue a VoteProposal intent. The Signaler never submits
// transactions itself — only C8 does.
//
// Grounded on pkg/anchor/event_watcher.go's dispatchLoop/dispatchEvent
// split (SPEC_FULL.md §C.6): CreateProposal commands are delivered over a
// buffered channel and drained by one dispatchLoop goroutine per bridge
// key, rather than processed synchronously inline with the watcher.
package signaler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/chain/evm"
	"github.com/w3f-grants-archive/relayer/pkg/proposal"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
)

var (
	selNextIndex     = selector("next_index()")
	selHandler       = selector("handler()")
	selBridgeAddress = selector("bridge_address()")
)

func selector(sig string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

// CreateProposal is the command fed into the Signaler for one source
// deposit event, per spec.md §4.6's input shape
// "(src_chain_id, leaf_index, merkle_root, src_anchor)".
type CreateProposal struct {
	SrcChainID   uint64
	SrcChainType uint16 // proposal.ChainTypeEVM or proposal.ChainTypeEVMLegacy
	LeafIndex    uint32
	MerkleRoot   [32]byte
	// Dest is the one linked destination this command targets; the
	// Signaler is invoked once per (source event, linked anchor) pair —
	// see Enqueue, which fans a single deposit out across every
	// configured linked_anchor entry.
	Dest Destination
}

// Destination names one linked anchor and the destination function
// selector a passed proposal on it invokes.
type Destination struct {
	ChainName   string
	Anchor      common.Address
	FunctionSig [4]byte
}

// SmartUpdatePolicy is the optional skip-if-caught-up gate of spec.md
// §4.6 step 3.
type SmartUpdatePolicy struct {
	Enabled bool
	Retries uint32
	Delay   time.Duration // 10-30s per spec.md
}

// ChainResolver resolves a destination chain by name to a chain.Client and
// its chain id, per pkg/config.Config.ChainByName.
type ChainResolver func(chainName string) (client chain.Client, chainID uint64, err error)

// Signaler fans CreateProposal commands out to per-bridge-key dispatch
// loops, matching the (bridge_address, chain_id) task key of spec.md §5.
type Signaler struct {
	store     *store.Store
	resolve   ChainResolver
	smart     SmartUpdatePolicy
	logger    *log.Logger
	sleep     func(d time.Duration)

	mu    sync.Mutex
	loops map[bridgeKey]chan CreateProposal
	wg    sync.WaitGroup
}

type bridgeKey struct {
	chainName string
	anchor    common.Address
}

// New builds a Signaler. resolve supplies a live chain.Client for a
// configured chain name (EVM or Substrate); smart configures the
// skip-if-caught-up gate.
func New(st *store.Store, resolve ChainResolver, smart SmartUpdatePolicy, logger *log.Logger) *Signaler {
	if logger == nil {
		logger = log.New(log.Writer(), "[Signaler] ", log.LstdFlags)
	}
	return &Signaler{
		store:   st,
		resolve: resolve,
		smart:   smart,
		logger:  logger,
		sleep:   time.Sleep,
		loops:   make(map[bridgeKey]chan CreateProposal),
	}
}

// Enqueue submits cmd to its bridge key's dispatch loop, starting the loop
// on first use. Non-blocking up to the channel's buffer; callers (the
// watcher-driven deposit handler) should treat a full buffer as backpressure
// and retry, matching spec.md §5's bounded-channel task model.
func (s *Signaler) Enqueue(ctx context.Context, cmd CreateProposal) error {
	key := bridgeKey{chainName: cmd.Dest.ChainName, anchor: cmd.Dest.Anchor}

	s.mu.Lock()
	ch, ok := s.loops[key]
	if !ok {
		ch = make(chan CreateProposal, 256)
		s.loops[key] = ch
		s.wg.Add(1)
		go s.dispatchLoop(ctx, key, ch)
	}
	s.mu.Unlock()

	select {
	case ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatch loop this Signaler started has exited
// (after their channels are closed and drained).
func (s *Signaler) Wait() {
	s.wg.Wait()
}

// dispatchLoop drains one bridge key's channel, processing commands in
// order, mirroring pkg/anchor/event_watcher.go's dispatchLoop.
func (s *Signaler) dispatchLoop(ctx context.Context, key bridgeKey, ch chan CreateProposal) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-ch:
			if !ok {
				return
			}
			if err := s.dispatch(ctx, cmd); err != nil {
				s.logger.Printf("dispatch failed for %s/%s: %v", key.chainName, key.anchor, err)
			}
		}
	}
}

// dispatch performs spec.md §4.6 steps 2-5 for one CreateProposal.
func (s *Signaler) dispatch(ctx context.Context, cmd CreateProposal) error {
	client, destChainID, err := s.resolve(cmd.Dest.ChainName)
	if err != nil {
		s.logger.Printf("linked anchor %s not configured, skipping: %v", cmd.Dest.ChainName, err)
		return nil
	}

	nextIndex, err := readNextIndex(ctx, client, cmd.Dest.Anchor)
	if err != nil {
		return fmt.Errorf("signaler: read next_index on %s/%s: %w", cmd.Dest.ChainName, cmd.Dest.Anchor, err)
	}

	if s.smart.Enabled {
		skip, err := s.smartUpdateGate(ctx, client, cmd, nextIndex)
		if err != nil {
			return err
		}
		if skip {
			s.logger.Printf("smart-update: destination %s/%s already caught up past leaf_index %d, skipping",
				cmd.Dest.ChainName, cmd.Dest.Anchor, cmd.LeafIndex)
			return nil
		}
	}

	handlerAddr, err := readAddress(ctx, client, cmd.Dest.Anchor, selHandler)
	if err != nil {
		return fmt.Errorf("signaler: read handler() on %s/%s: %w", cmd.Dest.ChainName, cmd.Dest.Anchor, err)
	}
	bridgeAddr, err := readAddress(ctx, client, handlerAddr, selBridgeAddress)
	if err != nil {
		return fmt.Errorf("signaler: read bridge_address() on %s/%s: %w", cmd.Dest.ChainName, handlerAddr, err)
	}

	resID := resourceid.EncodeEVM(cmd.Dest.Anchor, uint32(destChainID))
	var payload []byte
	if cmd.SrcChainType == proposal.ChainTypeSubstrate {
		payload = proposal.BuildSubstratePayload(resID, cmd.Dest.FunctionSig, uint32(cmd.SrcChainID), cmd.LeafIndex, cmd.MerkleRoot)
	} else {
		payload = proposal.BuildEVMPayload(resID, cmd.Dest.FunctionSig, uint32(cmd.SrcChainID), cmd.LeafIndex, cmd.MerkleRoot)
	}
	dataHash := proposal.DataHash(handlerAddr, payload)
	nonce := proposal.NonceForSource(cmd.SrcChainType, cmd.LeafIndex)

	if err := s.lookupOrCreateProposal(cmd, nonce, resID, payload, dataHash); err != nil {
		return fmt.Errorf("signaler: lookup_or_create proposal %x: %w", dataHash, err)
	}

	if err := s.store.EnqueueItem(store.QueuedTx{
		ChainID:  destChainID,
		Kind:     store.QueueKindVote,
		DataHash: dataHash,
		Target:   bridgeAddr.Bytes(),
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("signaler: enqueue vote for %x: %w", dataHash, err)
	}

	return nil
}

// lookupOrCreateProposal implements spec.md §4.6 step 5's "look up or
// create the ProposalEntity": a pre-existing entity is left untouched (its
// status is owned by pkg/bridgestate), a missing one is created Inactive.
func (s *Signaler) lookupOrCreateProposal(cmd CreateProposal, nonce uint32, resID resourceid.ID, payload []byte, dataHash [32]byte) error {
	_, err := s.store.GetProposal(dataHash)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	entity := proposal.New(cmd.SrcChainID, nonce, resID, dataHash, payload)
	return s.store.InsertProposal(entity)
}

// smartUpdateGate implements spec.md §4.6 step 3: while the source leaf is
// not yet behind the destination's frontier, sleep and re-check up to
// Retries times; if the destination catches up, report skip=true.
func (s *Signaler) smartUpdateGate(ctx context.Context, client chain.Client, cmd CreateProposal, nextIndex uint32) (skip bool, err error) {
	for attempt := uint32(0); cmd.LeafIndex >= saturatingSub(nextIndex, 1); attempt++ {
		if attempt >= s.smart.Retries {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		s.sleep(s.smart.Delay)

		nextIndex, err = readNextIndex(ctx, client, cmd.Dest.Anchor)
		if err != nil {
			return false, fmt.Errorf("smart-update: re-read next_index: %w", err)
		}
	}
	return true, nil
}

func saturatingSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

func readNextIndex(ctx context.Context, client chain.Client, anchor common.Address) (uint32, error) {
	if c, ok := client.(*evm.Client); ok {
		return evm.NextIndex(ctx, c, anchor, selNextIndex)
	}
	return readUint32(ctx, client, anchor, selNextIndex)
}

func readUint32(ctx context.Context, client chain.Client, contract common.Address, sel [4]byte) (uint32, error) {
	out, err := client.Call(ctx, contract, sel[:])
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("signaler: short return (%d bytes) calling %x on %s", len(out), sel, contract)
	}
	return uint32(out[28])<<24 | uint32(out[29])<<16 | uint32(out[30])<<8 | uint32(out[31]), nil
}

func readAddress(ctx context.Context, client chain.Client, contract common.Address, sel [4]byte) (common.Address, error) {
	out, err := client.Call(ctx, contract, sel[:])
	if err != nil {
		return common.Address{}, err
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("signaler: short return (%d bytes) calling %x on %s", len(out), sel, contract)
	}
	var addr common.Address
	copy(addr[:], out[12:32])
	return addr, nil
}
