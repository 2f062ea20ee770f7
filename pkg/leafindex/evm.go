package leafindex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/watcher"
)

// depositEventABI unpacks the non-indexed fields of spec.md §6's EVM
// event: `Deposit(commitment, leaf_index)`. Grounded on
// pkg/anchor/event_watcher.go's abi.JSON(strings.NewReader(...)) +
// abi.Unpack(name, log.Data) pattern.
const depositEventABI = `[{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes32","name":"commitment","type":"bytes32"},{"indexed":false,"internalType":"uint32","name":"leaf_index","type":"uint32"}],"name":"Deposit","type":"event"}]`

var depositEventSig = crypto.Keccak256Hash([]byte("Deposit(bytes32,uint32)"))

// DepositEventTopic is depositEventSig, exported so callers wiring up a
// pkg/watcher.Config can filter on the same topic this decoder expects.
var DepositEventTopic = depositEventSig

// EVMDecoder decodes VAnchor-style Deposit logs into Decoded events.
// chainID identifies the source chain for resource_id resolution.
type EVMDecoder struct {
	parsedABI  abi.ABI
	resolveRID func(anchor [20]byte, chainID uint64) (resourceid.ID, error)
	chainID    uint64
}

// NewEVMDecoder builds a Decoder bound to a (chain_id, anchor -> resource_id)
// resolver, since spec.md §4.4 step 1 resolves resource_id from
// (handler_or_address, chain_id, tree_or_anchor_id) — configuration the
// leaf indexer doesn't itself own (pkg/config.LinkedAnchor does).
func NewEVMDecoder(chainID uint64, resolveRID func(anchor [20]byte, chainID uint64) (resourceid.ID, error)) (*EVMDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(depositEventABI))
	if err != nil {
		return nil, fmt.Errorf("leafindex: parse deposit event abi: %w", err)
	}
	return &EVMDecoder{parsedABI: parsed, resolveRID: resolveRID, chainID: chainID}, nil
}

// Decode implements Decoder.
func (d *EVMDecoder) Decode(l chain.Log) (Decoded, error) {
	if len(l.Topics) == 0 || l.Topics[0] != depositEventSig {
		return Decoded{}, &watcher.DataError{Op: "decode_evm_deposit", Err: fmt.Errorf("log does not match Deposit event topic")}
	}

	values, err := d.parsedABI.Unpack("Deposit", l.Data)
	if err != nil {
		return Decoded{}, &watcher.DataError{Op: "unpack_evm_deposit", Err: err}
	}
	if len(values) != 2 {
		return Decoded{}, &watcher.DataError{Op: "unpack_evm_deposit", Err: fmt.Errorf("expected 2 fields, got %d", len(values))}
	}

	commitmentRaw, ok := values[0].([32]byte)
	if !ok {
		return Decoded{}, &watcher.DataError{Op: "unpack_evm_deposit", Err: fmt.Errorf("commitment field has unexpected type %T", values[0])}
	}
	leafIndexBig, ok := values[1].(*big.Int)
	if !ok {
		return Decoded{}, &watcher.DataError{Op: "unpack_evm_deposit", Err: fmt.Errorf("leaf_index field has unexpected type %T", values[1])}
	}

	var anchor [20]byte
	copy(anchor[:], l.Address.Bytes())
	resourceID, err := d.resolveRID(anchor, d.chainID)
	if err != nil {
		return Decoded{}, &watcher.DataError{Op: "resolve_resource_id", Err: err}
	}

	return Decoded{
		ResourceID:  resourceID,
		FirstIndex:  uint32(leafIndexBig.Uint64()),
		Leafs:       [][32]byte{commitmentRaw},
		BlockNumber: l.BlockNumber,
	}, nil
}
