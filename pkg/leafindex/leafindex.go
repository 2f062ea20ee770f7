// Package leafindex implements the Leaf Indexer of spec.md §4.4: a
// watcher.Handler that turns one filtered deposit/Transaction event into
// dense (resource_id, index) -> commitment inserts and a monotone
// last_deposit_block update.
//
// Grounded on pkg/anchor/event_watcher.go's dispatchEvent: one small
// per-event handler function that decodes, validates, and writes through
// to the store, returning a classified error instead of panicking on a
// malformed event.
package leafindex

import (
	"context"
	"fmt"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
	"github.com/w3f-grants-archive/relayer/pkg/watcher"
)

// Decoded is the chain-neutral shape a concrete event decoder produces
// from a chain.Log, per spec.md §4.4 step 1-2.
type Decoded struct {
	ResourceID resourceid.ID
	// FirstIndex is the index of the first leaf carried by this event.
	// EVM deposits carry leaf_index directly; the Substrate path derives
	// it from next_leaf_index (see SubstrateDecoder.DecodeEvent).
	FirstIndex uint32
	Leafs      [][32]byte
	BlockNumber uint64
}

// Decoder turns one chain.Log into a Decoded event, or a *watcher.DataError
// if the log doesn't carry a recognizable deposit/Transaction event — the
// watcher skips such logs and still advances its cursor.
type Decoder func(l chain.Log) (Decoded, error)

// Indexer is a watcher.Handler bound to one Decoder and Store.
type Indexer struct {
	decode Decoder
	store  *store.Store
}

// New builds an Indexer bound to an EVM decode function (NewEVMDecoder);
// the Substrate path instead calls HandleSubstrateEvent directly, so decode
// may be nil for Substrate-only indexers.
func New(decode Decoder, st *store.Store) *Indexer {
	return &Indexer{decode: decode, store: st}
}

// Handle implements watcher.Handler for the EVM path: decode one
// chain.Log and apply it.
func (ix *Indexer) Handle(ctx context.Context, l chain.Log) error {
	ev, err := ix.decode(l)
	if err != nil {
		return err // already classified by the decoder (DataError/other)
	}
	return ix.apply(ev)
}

// HandleSubstrateEvent applies an already-decoded SubstrateEvent, for
// callers driving the Substrate path directly via SubstrateDecoder.
// DecodeEvent rather than through pkg/watcher's log poller.
func (ix *Indexer) HandleSubstrateEvent(ctx context.Context, decoder *SubstrateDecoder, ev SubstrateEvent) error {
	decoded, err := decoder.DecodeEvent(ctx, ev)
	if err != nil {
		return err
	}
	return ix.apply(decoded)
}

// Apply performs spec.md §4.4 steps 3-4 against an already-decoded event,
// exported for callers (e.g. cmd/relayer) that need Decoded's fields
// themselves for downstream work, such as recomputing a Merkle root for a
// proposal after the leaves land in the Store.
func (ix *Indexer) Apply(ev Decoded) error {
	return ix.apply(ev)
}

// apply performs spec.md §4.4 steps 3-4 against an already-decoded event.
func (ix *Indexer) apply(ev Decoded) error {
	inserts := make([]store.LeafInsert, 0, len(ev.Leafs))
	for i, commitment := range ev.Leafs {
		inserts = append(inserts, store.LeafInsert{
			Index:      ev.FirstIndex + uint32(i),
			Commitment: commitment,
		})
	}
	if err := ix.store.InsertLeaves(ev.ResourceID, inserts); err != nil {
		return fmt.Errorf("leafindex: insert leaves for %s: %w", ev.ResourceID, err)
	}

	if err := ix.store.SetLastDepositBlock(ev.ResourceID, ev.BlockNumber); err != nil {
		return fmt.Errorf("leafindex: set last_deposit_block for %s: %w", ev.ResourceID, err)
	}
	return nil
}

var _ watcher.Handler = (&Indexer{}).Handle
