// Package bridgestate implements the Bridge State Tracker of spec.md
// §4.7: consumes ProposalEvent logs from a destination bridge and drives
// the locally mirrored ProposalEntity through Active/Passed/Executed/
// Cancelled, scheduling execution or removing the entity and its queue
// entries as the on-chain status dictates.
//
// Grounded on pkg/anchor/event_watcher.go's per-event-type dispatch table
// (RegisterHandler/dispatchEvent), generalized here to a fixed four-entry
// switch over proposal.Status since spec.md §4.7's table is closed.
package bridgestate

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/metrics"
	"github.com/w3f-grants-archive/relayer/pkg/proposal"
	"github.com/w3f-grants-archive/relayer/pkg/store"
	"github.com/w3f-grants-archive/relayer/pkg/watcher"
)

const proposalEventABI = `[{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint8","name":"status","type":"uint8"},{"indexed":false,"internalType":"bytes32","name":"data_hash","type":"bytes32"},{"indexed":false,"internalType":"uint64","name":"nonce","type":"uint64"},{"indexed":false,"internalType":"uint256","name":"src_chain_id","type":"uint256"}],"name":"ProposalEvent","type":"event"}]`

var (
	proposalEventSig = selector32("ProposalEvent(uint8,bytes32,uint64,uint256)")
	selGetProposal   = selector4("get_proposal(uint256,uint64,bytes32)")
)

// ProposalEventTopic is proposalEventSig, exported so callers wiring up a
// pkg/watcher.Config can filter on the same topic Handle expects.
var ProposalEventTopic = proposalEventSig

// ProposalEvent is the decoded shape of spec.md §4.7's
// "ProposalEvent(status, data_hash, nonce, src_chain_id)".
type ProposalEvent struct {
	Status     proposal.Status
	DataHash   [32]byte
	Nonce      uint64
	SrcChainID uint64
}

// Tracker consumes ProposalEvents from one destination bridge contract.
type Tracker struct {
	store        *store.Store
	client       chain.Client
	bridgeChainID uint64
	bridge       common.Address
	parsedABI    abi.ABI
	logger       *log.Logger
}

// New builds a Tracker bound to one destination bridge contract.
// bridgeChainID is the chain id queue entries are keyed under (spec.md
// §6's chain_prefix(chain_id)).
func New(st *store.Store, client chain.Client, bridgeChainID uint64, bridge common.Address, logger *log.Logger) (*Tracker, error) {
	parsed, err := abi.JSON(strings.NewReader(proposalEventABI))
	if err != nil {
		return nil, fmt.Errorf("bridgestate: parse proposal event abi: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BridgeState] ", log.LstdFlags)
	}
	return &Tracker{store: st, client: client, bridgeChainID: bridgeChainID, bridge: bridge, parsedABI: parsed, logger: logger}, nil
}

// Handle implements watcher.Handler: decode one ProposalEvent log and
// apply the spec.md §4.7 transition table.
func (tr *Tracker) Handle(ctx context.Context, l chain.Log) error {
	if len(l.Topics) == 0 || l.Topics[0] != proposalEventSig {
		return &watcher.DataError{Op: "decode_proposal_event", Err: fmt.Errorf("log does not match ProposalEvent topic")}
	}

	values, err := tr.parsedABI.Unpack("ProposalEvent", l.Data)
	if err != nil {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: err}
	}
	if len(values) != 4 {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: fmt.Errorf("expected 4 fields, got %d", len(values))}
	}
	statusRaw, ok := values[0].(uint8)
	if !ok {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: fmt.Errorf("status field has unexpected type %T", values[0])}
	}
	dataHash, ok := values[1].([32]byte)
	if !ok {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: fmt.Errorf("data_hash field has unexpected type %T", values[1])}
	}
	nonce, ok := values[2].(uint64)
	if !ok {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: fmt.Errorf("nonce field has unexpected type %T", values[2])}
	}
	srcChainIDBig, ok := values[3].(*big.Int)
	if !ok {
		return &watcher.DataError{Op: "unpack_proposal_event", Err: fmt.Errorf("src_chain_id field has unexpected type %T", values[3])}
	}

	return tr.HandleEvent(ctx, ProposalEvent{
		Status:     onChainStatus(statusRaw),
		DataHash:   dataHash,
		Nonce:      nonce,
		SrcChainID: srcChainIDBig.Uint64(),
	})
}

// onChainStatus maps the destination bridge's uint8 status code onto
// proposal.Status, matching the ordering of proposal.go's enum (§4.7's
// "Inactive -> Active -> Passed -> Executed", plus Cancelled).
func onChainStatus(code uint8) proposal.Status {
	switch code {
	case 0:
		return proposal.StatusInactive
	case 1:
		return proposal.StatusActive
	case 2:
		return proposal.StatusPassed
	case 3:
		return proposal.StatusExecuted
	case 4:
		return proposal.StatusCancelled
	default:
		return proposal.StatusUnknown
	}
}

// HandleEvent implements spec.md §4.7's transition table directly, for
// callers that already have a decoded ProposalEvent (tests, or a
// Substrate-side decoder that doesn't go through ABI-encoded logs).
func (tr *Tracker) HandleEvent(ctx context.Context, ev ProposalEvent) error {
	switch ev.Status {
	case proposal.StatusActive:
		return nil // no-op; optionally-vote-if-absent is not exercised (no local intent source here)

	case proposal.StatusPassed:
		return tr.handlePassed(ctx, ev)

	case proposal.StatusExecuted, proposal.StatusCancelled:
		return tr.handleTerminal(ev)

	default:
		return &watcher.DataError{Op: "handle_proposal_event", Err: fmt.Errorf("unrecognized status %v for data_hash %x", ev.Status, ev.DataHash)}
	}
}

// handlePassed implements spec.md §4.7's Passed row: verify on-chain
// status is still below Executed, then enqueue ExecuteProposal gated to
// current_block+1.
func (tr *Tracker) handlePassed(ctx context.Context, ev ProposalEvent) error {
	entity, err := tr.store.GetProposal(ev.DataHash)
	if err != nil {
		if err == store.ErrNotFound {
			tr.logger.Printf("Passed event for unknown proposal %x (src_chain=%d nonce=%d), skipping", ev.DataHash, ev.SrcChainID, ev.Nonce)
			return nil
		}
		return fmt.Errorf("bridgestate: load proposal %x: %w", ev.DataHash, err)
	}

	status, err := tr.getProposalOnChain(ctx, ev.SrcChainID, ev.Nonce, ev.DataHash)
	if err != nil {
		return fmt.Errorf("bridgestate: verify on-chain status for %x: %w", ev.DataHash, err)
	}
	if status.AtLeast(proposal.StatusExecuted) {
		return nil // already executed/cancelled on-chain; nothing to schedule
	}

	entity.Status, err = entity.Status.Transition(proposal.StatusPassed)
	if err != nil {
		return fmt.Errorf("bridgestate: transition proposal %x: %w", ev.DataHash, err)
	}
	if err := tr.store.InsertProposal(entity); err != nil {
		return fmt.Errorf("bridgestate: persist proposal %x: %w", ev.DataHash, err)
	}
	metrics.ObserveStateTransition(tr.chainLabel(), metrics.KindBridgeState)

	current, err := tr.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("bridgestate: read current block for %x: %w", ev.DataHash, err)
	}

	return tr.store.EnqueueItem(store.QueuedTx{
		ChainID:  tr.bridgeChainID,
		Kind:     store.QueueKindExecute,
		DataHash: ev.DataHash,
		MinBlock: current + 1,
		Target:   tr.bridge.Bytes(),
		Payload:  entity.Data,
	})
}

// handleTerminal implements spec.md §4.7's Executed/Cancelled row: remove
// the entity and both queue entries. Idempotent — observing the same
// terminal event twice is a no-op the second time (spec.md §8 scenario 5).
func (tr *Tracker) handleTerminal(ev ProposalEvent) error {
	if _, err := tr.store.RemoveProposal(ev.DataHash); err != nil {
		return fmt.Errorf("bridgestate: remove proposal %x: %w", ev.DataHash, err)
	}
	if err := tr.store.RemoveItem(tr.bridgeChainID, store.QueueKindVote, ev.DataHash); err != nil {
		return fmt.Errorf("bridgestate: remove vote queue entry %x: %w", ev.DataHash, err)
	}
	if err := tr.store.RemoveItem(tr.bridgeChainID, store.QueueKindExecute, ev.DataHash); err != nil {
		return fmt.Errorf("bridgestate: remove execute queue entry %x: %w", ev.DataHash, err)
	}
	metrics.ObserveStateTransition(tr.chainLabel(), metrics.KindBridgeState)
	return nil
}

// chainLabel is this Tracker's metrics label; bridgeChainID has no
// configured name at this layer, so the numeric chain id is used directly.
func (tr *Tracker) chainLabel() string {
	return fmt.Sprintf("%d", tr.bridgeChainID)
}

// getProposalOnChain reads the destination bridge's authoritative
// get_proposal(src_chain, nonce, data_hash) view, used by both C6's
// pre-vote guard (pkg/signaler) and this package's pre-execute guard
// (spec.md §4.7).
func (tr *Tracker) getProposalOnChain(ctx context.Context, srcChainID, nonce uint64, dataHash [32]byte) (proposal.Status, error) {
	var args [1 + 8 + 32]byte
	binary.BigEndian.PutUint64(args[0:8], srcChainID)
	binary.BigEndian.PutUint64(args[8:16], nonce)
	copy(args[16:], dataHash[:])

	callData := append(append([]byte{}, selGetProposal[:]...), args[:]...)
	out, err := tr.client.Call(ctx, tr.bridge, callData)
	if err != nil {
		metrics.ObserveRPCFailure(tr.chainLabel(), metrics.KindBridgeState)
		return proposal.StatusUnknown, err
	}
	if len(out) < 32 {
		return proposal.StatusUnknown, fmt.Errorf("bridgestate: short get_proposal return (%d bytes)", len(out))
	}
	return onChainStatus(out[31]), nil
}

func selector4(sig string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

func selector32(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}

var _ watcher.Handler = (&Tracker{}).Handle
