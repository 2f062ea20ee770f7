package store

import (
	"errors"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/w3f-grants-archive/relayer/pkg/proposal"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(kvstore.NewWithDB(dbm.NewMemDB()))
}

func testResourceID(b byte) resourceid.ID {
	var id resourceid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestInsertReadLeaves_DensePrefix(t *testing.T) {
	s := newTestStore(t)
	rid := testResourceID(0x01)

	inserts := []LeafInsert{
		{Index: 0, Commitment: [32]byte{0xAA}},
		{Index: 1, Commitment: [32]byte{0xBB}},
		{Index: 2, Commitment: [32]byte{0xCC}},
	}
	if err := s.InsertLeaves(rid, inserts); err != nil {
		t.Fatalf("InsertLeaves: %v", err)
	}

	got, err := s.ReadLeaves(rid)
	if err != nil {
		t.Fatalf("ReadLeaves: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d leaves, want 3", len(got))
	}
	for i, l := range inserts {
		if got[i] != l.Commitment {
			t.Fatalf("leaf %d = %x, want %x", i, got[i], l.Commitment)
		}
	}
}

func TestInsertLeaves_RejectsConflict(t *testing.T) {
	s := newTestStore(t)
	rid := testResourceID(0x02)

	if err := s.InsertLeaves(rid, []LeafInsert{{Index: 0, Commitment: [32]byte{0x01}}}); err != nil {
		t.Fatalf("InsertLeaves: %v", err)
	}
	err := s.InsertLeaves(rid, []LeafInsert{{Index: 0, Commitment: [32]byte{0x02}}})
	if !errors.Is(err, ErrLeafConflict) {
		t.Fatalf("expected ErrLeafConflict, got %v", err)
	}
}

func TestInsertLeaves_IdempotentSameCommitment(t *testing.T) {
	s := newTestStore(t)
	rid := testResourceID(0x03)
	leaf := []LeafInsert{{Index: 0, Commitment: [32]byte{0x01}}}

	if err := s.InsertLeaves(rid, leaf); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertLeaves(rid, leaf); err != nil {
		t.Fatalf("replayed insert should be a no-op, got: %v", err)
	}
	got, err := s.ReadLeaves(rid)
	if err != nil {
		t.Fatalf("ReadLeaves: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d leaves after replay, want 1 (idempotent)", len(got))
	}
}

func TestLastDepositBlock_Monotonic(t *testing.T) {
	s := newTestStore(t)
	rid := testResourceID(0x04)

	if err := s.SetLastDepositBlock(rid, 100); err != nil {
		t.Fatalf("set 100: %v", err)
	}
	if err := s.SetLastDepositBlock(rid, 50); err != nil {
		t.Fatalf("set 50: %v", err)
	}
	got, err := s.LastDepositBlock(rid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 100 {
		t.Fatalf("last_deposit_block regressed to %d, want 100", got)
	}

	if err := s.SetLastDepositBlock(rid, 150); err != nil {
		t.Fatalf("set 150: %v", err)
	}
	got, err = s.LastDepositBlock(rid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 150 {
		t.Fatalf("last_deposit_block = %d, want 150", got)
	}
}

func TestLastDepositBlock_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LastDepositBlock(testResourceID(0x05)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	rid := testResourceID(0x06)

	if _, ok, err := s.GetCursor("watcher", rid); err != nil || ok {
		t.Fatalf("expected absent cursor, got ok=%v err=%v", ok, err)
	}
	if err := s.SetCursor("watcher", rid, 42); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	block, ok, err := s.GetCursor("watcher", rid)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !ok || block != 42 {
		t.Fatalf("got (block=%d, ok=%v), want (42, true)", block, ok)
	}
}

func TestProposal_InsertGetRemove(t *testing.T) {
	s := newTestStore(t)
	e := proposal.New(5, 7, testResourceID(0x07), [32]byte{0xDE, 0xAD}, []byte{1, 2, 3})

	if err := s.InsertProposal(e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetProposal(e.DataHash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nonce != e.Nonce || got.SrcChainID != e.SrcChainID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}

	removed, err := s.RemoveProposal(e.DataHash)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed == nil {
		t.Fatalf("expected a removed entity")
	}
	if _, err := s.GetProposal(e.DataHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}

	// Removing again is a no-op, not an error.
	removed, err = s.RemoveProposal(e.DataHash)
	if err != nil || removed != nil {
		t.Fatalf("second remove should be a no-op, got (%v, %v)", removed, err)
	}
}

func TestQueue_AtMostOnePerKey(t *testing.T) {
	s := newTestStore(t)
	tx := QueuedTx{ChainID: 1, Kind: QueueKindVote, DataHash: [32]byte{0x01}, Payload: []byte{0xAA}}

	if err := s.EnqueueItem(tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Enqueue again with a different payload: the set semantics of §3
	// mean this must be a no-op, not overwrite.
	dup := tx
	dup.Payload = []byte{0xBB}
	if err := s.EnqueueItem(dup); err != nil {
		t.Fatalf("enqueue dup: %v", err)
	}

	got, err := s.DequeueItem(tx.ChainID, tx.Kind, tx.DataHash)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if string(got.Payload) != string(tx.Payload) {
		t.Fatalf("payload = %x, want original %x (enqueue must not overwrite)", got.Payload, tx.Payload)
	}

	has, err := s.HasItem(tx.ChainID, tx.Kind, tx.DataHash)
	if err != nil || !has {
		t.Fatalf("expected item present, got has=%v err=%v", has, err)
	}

	if err := s.RemoveItem(tx.ChainID, tx.Kind, tx.DataHash); err != nil {
		t.Fatalf("remove: %v", err)
	}
	has, err = s.HasItem(tx.ChainID, tx.Kind, tx.DataHash)
	if err != nil || has {
		t.Fatalf("expected item absent after remove, got has=%v err=%v", has, err)
	}
}

func TestQueue_VoteAndExecuteAreDistinctKeys(t *testing.T) {
	s := newTestStore(t)
	dataHash := [32]byte{0x09}

	voteTx := QueuedTx{ChainID: 1, Kind: QueueKindVote, DataHash: dataHash}
	execTx := QueuedTx{ChainID: 1, Kind: QueueKindExecute, DataHash: dataHash}
	if err := s.EnqueueItem(voteTx); err != nil {
		t.Fatalf("enqueue vote: %v", err)
	}
	if err := s.EnqueueItem(execTx); err != nil {
		t.Fatalf("enqueue execute: %v", err)
	}

	hasVote, _ := s.HasItem(1, QueueKindVote, dataHash)
	hasExec, _ := s.HasItem(1, QueueKindExecute, dataHash)
	if !hasVote || !hasExec {
		t.Fatalf("expected both vote and execute entries present, got vote=%v exec=%v", hasVote, hasExec)
	}
}

func TestListQueue_FIFOOrderAndRemoval(t *testing.T) {
	s := newTestStore(t)
	h1, h2, h3 := [32]byte{0x01}, [32]byte{0x02}, [32]byte{0x03}

	for _, h := range [][32]byte{h1, h2, h3} {
		if err := s.EnqueueItem(QueuedTx{ChainID: 9, Kind: QueueKindExecute, DataHash: h}); err != nil {
			t.Fatalf("enqueue %x: %v", h, err)
		}
	}

	got, err := s.ListQueue(9, QueueKindExecute)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(got) != 3 || got[0] != h1 || got[1] != h2 || got[2] != h3 {
		t.Fatalf("ListQueue order = %x, want [%x %x %x]", got, h1, h2, h3)
	}

	if err := s.RemoveItem(9, QueueKindExecute, h2); err != nil {
		t.Fatalf("remove h2: %v", err)
	}
	got, err = s.ListQueue(9, QueueKindExecute)
	if err != nil {
		t.Fatalf("ListQueue after remove: %v", err)
	}
	if len(got) != 2 || got[0] != h1 || got[1] != h3 {
		t.Fatalf("ListQueue after remove = %x, want [%x %x]", got, h1, h3)
	}

	// Re-enqueuing the same key is still a no-op even after other items
	// were appended to the index.
	if err := s.EnqueueItem(QueuedTx{ChainID: 9, Kind: QueueKindExecute, DataHash: h1}); err != nil {
		t.Fatalf("re-enqueue h1: %v", err)
	}
	got, _ = s.ListQueue(9, QueueKindExecute)
	if len(got) != 2 {
		t.Fatalf("expected re-enqueue to be a no-op, index now has %d entries", len(got))
	}
}
