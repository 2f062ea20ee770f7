package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
	"github.com/w3f-grants-archive/relayer/pkg/store/kvstore"
)

// fakeClient is a scriptable chain.Client: BlockNumber and Logs are
// computed from an in-memory block of logs rather than a real RPC
// connection.
type fakeClient struct {
	head uint64
	logs []chain.Log // all logs, BlockNumber-tagged
}

func (f *fakeClient) ChainID(ctx context.Context) (uint64, error) { return 1, nil }
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}
func (f *fakeClient) Logs(ctx context.Context, contract common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]chain.Log, error) {
	var out []chain.Log
	for _, l := range f.logs {
		if l.BlockNumber >= fromBlock && l.BlockNumber <= toBlock {
			out = append(out, l)
		}
	}
	return out, nil
}
func (f *fakeClient) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) SubmitSigned(ctx context.Context, signedTx []byte) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeClient) WaitFor(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	return nil, errors.New("not implemented")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(kvstore.NewWithDB(dbm.NewMemDB()))
}

func TestWatcher_ProcessesInOrderAndAdvancesCursor(t *testing.T) {
	client := &fakeClient{
		head: 20,
		logs: []chain.Log{
			{BlockNumber: 5, Index: 0},
			{BlockNumber: 5, Index: 1},
			{BlockNumber: 10, Index: 0},
		},
	}
	st := newTestStore(t)
	rid := resourceid.ID{0x01}

	var seen []chain.Log
	handle := func(ctx context.Context, l chain.Log) error {
		seen = append(seen, l)
		return nil
	}

	w := New(Config{
		Tag:              "test",
		ResourceID:       rid,
		DeployedAt:       0,
		MaxEventsPerStep: 100,
		PollInterval:     time.Millisecond,
	}, client, st, handle, nil)

	advanced, last, err := w.step(context.Background(), 0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !advanced {
		t.Fatalf("expected cursor to advance")
	}
	if last != 20 {
		t.Fatalf("cursor = %d, want 20", last)
	}
	if len(seen) != 3 {
		t.Fatalf("handled %d logs, want 3", len(seen))
	}
	if seen[0].BlockNumber != 5 || seen[0].Index != 0 || seen[1].Index != 1 {
		t.Fatalf("logs not handled in receipt order: %+v", seen)
	}

	gotCursor, ok, err := st.GetCursor("test", rid)
	if err != nil || !ok || gotCursor != 20 {
		t.Fatalf("persisted cursor = (%d, %v, %v), want (20, true, nil)", gotCursor, ok, err)
	}
}

func TestWatcher_HandlerFailureDoesNotAdvanceCursor(t *testing.T) {
	client := &fakeClient{
		head: 20,
		logs: []chain.Log{{BlockNumber: 5, Index: 0}},
	}
	st := newTestStore(t)
	rid := resourceid.ID{0x02}

	handle := func(ctx context.Context, l chain.Log) error {
		return errors.New("boom")
	}

	w := New(Config{Tag: "test", ResourceID: rid, MaxEventsPerStep: 100}, client, st, handle, nil)
	advanced, last, err := w.step(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected step to report the handler error")
	}
	if advanced {
		t.Fatalf("cursor should not advance on handler failure")
	}
	if last != 0 {
		t.Fatalf("last = %d, want unchanged 0", last)
	}
	if _, ok, _ := st.GetCursor("test", rid); ok {
		t.Fatalf("no cursor should have been persisted")
	}
}

func TestWatcher_DataErrorSkipsAndAdvances(t *testing.T) {
	client := &fakeClient{
		head: 20,
		logs: []chain.Log{{BlockNumber: 5, Index: 0}, {BlockNumber: 5, Index: 1}},
	}
	st := newTestStore(t)
	rid := resourceid.ID{0x03}

	var handledGood bool
	handle := func(ctx context.Context, l chain.Log) error {
		if l.Index == 0 {
			return &DataError{Op: "parse", Err: errors.New("malformed")}
		}
		handledGood = true
		return nil
	}

	w := New(Config{Tag: "test", ResourceID: rid, MaxEventsPerStep: 100}, client, st, handle, nil)
	advanced, last, err := w.step(context.Background(), 0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !advanced || last != 20 {
		t.Fatalf("expected cursor to advance past the skipped bad log, got advanced=%v last=%d", advanced, last)
	}
	if !handledGood {
		t.Fatalf("expected the second (valid) log to still be handled")
	}
}

func TestWatcher_ConfirmationsGateTarget(t *testing.T) {
	client := &fakeClient{head: 10}
	st := newTestStore(t)
	rid := resourceid.ID{0x04}

	w := New(Config{Tag: "test", ResourceID: rid, Confirmations: 5, MaxEventsPerStep: 100}, client, st, func(context.Context, chain.Log) error { return nil }, nil)
	advanced, last, err := w.step(context.Background(), 4)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	// head(10) - confirmations(5) = 5; target = min(5, 4+100) = 5 > last(4): should advance to 5.
	if !advanced || last != 5 {
		t.Fatalf("got advanced=%v last=%d, want advanced=true last=5", advanced, last)
	}
}
