// Package chain defines the capability interface of spec.md §4.2: a small
// set of operations both EVM and Substrate backends implement, rather than
// a single unified "chain object" (spec.md §9 explicitly warns against
// that — the storage-at-block-hash difference is real).
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Log is a backend-neutral view of one matched event log.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint
}

// Receipt reports the outcome of a submitted transaction.
type Receipt struct {
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
}

// ErrDropped is returned by WaitFor when a transaction is not found after
// waiting (dropped from the mempool); the caller (pkg/txqueue) re-signs
// with a fresh nonce per spec.md §4.8 step 4.
var ErrDropped = errDropped{}

type errDropped struct{}

func (errDropped) Error() string { return "chain: transaction dropped" }

// Client is the capability set of spec.md §4.2, common to both chain
// families.
type Client interface {
	// ChainID returns the configured chain's identifier.
	ChainID(ctx context.Context) (uint64, error)

	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (uint64, error)

	// Logs returns matching logs in [fromBlock, toBlock], bounded by the
	// caller's window (spec.md §4.2's "bounded by caller's window").
	Logs(ctx context.Context, contract common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]Log, error)

	// Call performs a read-only contract view call (next_index, handler,
	// bridge_address, get_proposal, resource_id_to_handler_address,
	// get_last_root, ...).
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)

	// SubmitSigned submits an already-signed transaction and returns its
	// hash. Signing happens at the caller (pkg/txqueue), per SPEC_FULL.md
	// §C.2: the signing boundary moved out of the chain client.
	SubmitSigned(ctx context.Context, signedTx []byte) (txHash string, err error)

	// WaitFor blocks until txHash reaches confirmations confirmations, or
	// returns ErrDropped if it disappears from the chain's view.
	WaitFor(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
}

// StorageReader is the Substrate-only extension of spec.md §4.2's last
// paragraph: storage reads at a specific block hash, used to fetch
// next_leaf_index atomically with the event's block.
type StorageReader interface {
	BlockHash(ctx context.Context, number uint64) (string, error)
	StorageAt(ctx context.Context, blockHash string, key []byte) ([]byte, error)
}
