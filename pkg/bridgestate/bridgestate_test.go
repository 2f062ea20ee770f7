package bridgestate

import (
	"context"
	"errors"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/proposal"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
	"github.com/w3f-grants-archive/relayer/pkg/store/kvstore"
)

// fakeClient answers get_proposal(...) view calls with a fixed status
// code and a fixed current block height.
type fakeClient struct {
	status uint8
	block  uint64
}

func (f *fakeClient) ChainID(ctx context.Context) (uint64, error)      { return 0, nil }
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return f.block, nil }
func (f *fakeClient) Logs(ctx context.Context, contract common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]chain.Log, error) {
	return nil, nil
}
func (f *fakeClient) SubmitSigned(ctx context.Context, signedTx []byte) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeClient) WaitFor(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	out := make([]byte, 32)
	out[31] = f.status
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(kvstore.NewWithDB(dbm.NewMemDB()))
}

func testResourceID(b byte) resourceid.ID {
	var id resourceid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestHandleEvent_ActiveIsNoOp(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{}
	tr, err := New(st, client, 100, common.Address{0xBB}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x01}
	if err := tr.HandleEvent(context.Background(), ProposalEvent{Status: proposal.StatusActive, DataHash: dataHash}); err != nil {
		t.Fatalf("Active should be a no-op, got: %v", err)
	}
	if _, err := st.GetProposal(dataHash); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Active must not create an entity, got: %v", err)
	}
}

func TestHandleEvent_PassedWithAbsentEntityWarnsAndSkips(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{status: 1, block: 500} // on-chain Active < Executed
	tr, err := New(st, client, 100, common.Address{0xBB}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x02}
	if err := tr.HandleEvent(context.Background(), ProposalEvent{Status: proposal.StatusPassed, DataHash: dataHash, Nonce: 7, SrcChainID: 5}); err != nil {
		t.Fatalf("Passed with absent entity should be a skip, not an error, got: %v", err)
	}

	queued, _ := st.ListQueue(100, store.QueueKindExecute)
	if len(queued) != 0 {
		t.Fatalf("expected no execute enqueued for an unknown proposal, got %d", len(queued))
	}
}

func TestHandleEvent_PassedSchedulesExecuteGatedToNextBlock(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{status: 1, block: 500} // destination still reports Active
	bridge := common.Address{0xBB}
	tr, err := New(st, client, 100, bridge, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x03}
	entity := proposal.New(5, 7, testResourceID(0xAB), dataHash, []byte{1, 2, 3})
	if err := st.InsertProposal(entity); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}

	if err := tr.HandleEvent(context.Background(), ProposalEvent{Status: proposal.StatusPassed, DataHash: dataHash, Nonce: 7, SrcChainID: 5}); err != nil {
		t.Fatalf("HandleEvent(Passed): %v", err)
	}

	queued, err := st.ListQueue(100, store.QueueKindExecute)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("got %d queued executes, want 1", len(queued))
	}
	tx, err := st.DequeueItem(100, store.QueueKindExecute, queued[0])
	if err != nil {
		t.Fatalf("DequeueItem: %v", err)
	}
	if tx.MinBlock != 501 {
		t.Fatalf("MinBlock = %d, want current_block+1 = 501", tx.MinBlock)
	}
	if common.BytesToAddress(tx.Target) != bridge {
		t.Fatalf("Target = %x, want bridge %x", tx.Target, bridge)
	}

	got, err := st.GetProposal(dataHash)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Status != proposal.StatusPassed {
		t.Fatalf("entity status = %v, want Passed", got.Status)
	}
}

func TestHandleEvent_PassedSkipsIfAlreadyExecutedOnChain(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{status: 3, block: 500} // on-chain already Executed
	tr, err := New(st, client, 100, common.Address{0xBB}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x04}
	entity := proposal.New(5, 7, testResourceID(0xAB), dataHash, []byte{1})
	if err := st.InsertProposal(entity); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}

	if err := tr.HandleEvent(context.Background(), ProposalEvent{Status: proposal.StatusPassed, DataHash: dataHash, Nonce: 7, SrcChainID: 5}); err != nil {
		t.Fatalf("HandleEvent(Passed): %v", err)
	}

	queued, _ := st.ListQueue(100, store.QueueKindExecute)
	if len(queued) != 0 {
		t.Fatalf("expected no execute scheduled when on-chain status is already Executed, got %d", len(queued))
	}
}

// TestHandleEvent_ExecutedTwiceIsIdempotent pins spec.md §8 scenario 5:
// observing Executed twice must remove the entity and both queue entries
// exactly once, with the second observation a clean no-op.
func TestHandleEvent_ExecutedTwiceIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{status: 3, block: 500}
	tr, err := New(st, client, 100, common.Address{0xBB}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x05}
	entity := proposal.New(5, 7, testResourceID(0xAB), dataHash, []byte{1})
	if err := st.InsertProposal(entity); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}
	if err := st.EnqueueItem(store.QueuedTx{ChainID: 100, Kind: store.QueueKindVote, DataHash: dataHash}); err != nil {
		t.Fatalf("enqueue vote: %v", err)
	}
	if err := st.EnqueueItem(store.QueuedTx{ChainID: 100, Kind: store.QueueKindExecute, DataHash: dataHash}); err != nil {
		t.Fatalf("enqueue execute: %v", err)
	}

	ev := ProposalEvent{Status: proposal.StatusExecuted, DataHash: dataHash, Nonce: 7, SrcChainID: 5}
	if err := tr.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("first Executed: %v", err)
	}
	if _, err := st.GetProposal(dataHash); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected entity removed after first Executed, got: %v", err)
	}
	if hasVote, _ := st.HasItem(100, store.QueueKindVote, dataHash); hasVote {
		t.Fatalf("expected vote queue entry removed")
	}
	if hasExec, _ := st.HasItem(100, store.QueueKindExecute, dataHash); hasExec {
		t.Fatalf("expected execute queue entry removed")
	}

	// Second observation of the same terminal event must be a no-op, not
	// an error.
	if err := tr.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("second Executed should be a no-op, got: %v", err)
	}
}

func TestHandleEvent_CancelledRemovesEntityAndQueueEntries(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{status: 4, block: 500}
	tr, err := New(st, client, 100, common.Address{0xBB}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataHash := [32]byte{0x06}
	entity := proposal.New(5, 7, testResourceID(0xAB), dataHash, []byte{1})
	if err := st.InsertProposal(entity); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}
	if err := st.EnqueueItem(store.QueuedTx{ChainID: 100, Kind: store.QueueKindVote, DataHash: dataHash}); err != nil {
		t.Fatalf("enqueue vote: %v", err)
	}

	if err := tr.HandleEvent(context.Background(), ProposalEvent{Status: proposal.StatusCancelled, DataHash: dataHash}); err != nil {
		t.Fatalf("HandleEvent(Cancelled): %v", err)
	}
	if _, err := st.GetProposal(dataHash); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected entity removed after Cancelled, got: %v", err)
	}
	if hasVote, _ := st.HasItem(100, store.QueueKindVote, dataHash); hasVote {
		t.Fatalf("expected vote queue entry removed after Cancelled")
	}
}
