// Package watcher implements the per-contract event watcher of spec.md
// §4.3: a resumable, backpressured poller with a persisted cursor.
//
// Grounded on pkg/anchor/event_watcher.go's EventWatcher: a config struct,
// a ticker-driven pollLoop, and a dispatchLoop that hands events to
// handlers in receipt order — generalized away from one fixed ABI to a
// generic (client, store, handler) triple per spec.md §9's note that the
// "watcher generic over (Contract, Events, Store)" contract is
// behavioral, not structural.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
	"github.com/w3f-grants-archive/relayer/pkg/metrics"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
)

// Handler processes one matched log in order. Returning a *DataError logs
// and still lets the batch (and cursor) advance; any other error (or a
// *TransientError) stops the batch from advancing the cursor.
type Handler func(ctx context.Context, l chain.Log) error

// Config configures one watched contract.
type Config struct {
	// Tag identifies this watcher for cursor storage, e.g. "leafindex" or
	// "bridgestate" — distinct watcher kinds over the same resource_id get
	// independent cursors.
	Tag         string
	// ChainName labels this watcher's metrics (relayer_rpc_failures_total
	// etc. per spec.md §7's "(chain, kind)" pairing). Falls back to Tag
	// when unset.
	ChainName   string
	ResourceID  resourceid.ID
	Contract    common.Address
	Topics      []common.Hash
	DeployedAt  uint64

	Confirmations    uint64
	PollInterval     time.Duration
	MaxEventsPerStep uint64

	// BackoffBase and BackoffCap bound the exponential retry delay after
	// a transient failure (spec.md §5: "base 1s, cap 10 minutes").
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *Config) setDefaults() {
	if c.ChainName == "" {
		c.ChainName = c.Tag
	}
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxEventsPerStep == 0 {
		c.MaxEventsPerStep = 2000
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 10 * time.Minute
	}
}

// Watcher runs Config's poll loop against a chain.Client, persisting its
// cursor to a store.Store and invoking Handler for every matched log.
type Watcher struct {
	cfg    Config
	client chain.Client
	store  *store.Store
	handle Handler
	logger *log.Logger
}

// New builds a Watcher. A nil logger defaults to a component-prefixed
// stdlib logger, matching NewEventWatcher's convention.
func New(cfg Config, client chain.Client, st *store.Store, handle Handler, logger *log.Logger) *Watcher {
	cfg.setDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[Watcher:%s] ", cfg.Tag), log.LstdFlags)
	}
	return &Watcher{cfg: cfg, client: client, store: st, handle: handle, logger: logger}
}

// Run executes the poll loop until ctx is cancelled. It blocks; callers
// typically run it in its own goroutine (spec.md §5's "(watcher,
// resource_id)" task).
func (w *Watcher) Run(ctx context.Context) error {
	last, ok, err := w.store.GetCursor(w.cfg.Tag, w.cfg.ResourceID)
	if err != nil {
		return fmt.Errorf("watcher %s/%s: load cursor: %w", w.cfg.Tag, w.cfg.ResourceID, err)
	}
	if !ok {
		last = w.cfg.DeployedAt
	}

	backoff := w.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		advanced, newLast, err := w.step(ctx, last)
		if err != nil {
			var transient *TransientError
			if errors.As(err, &transient) {
				w.logger.Printf("transient error, backing off %s: %v", backoff, err)
				metrics.ObserveRPCFailure(w.cfg.ChainName, metrics.KindWatcher)
			} else {
				w.logger.Printf("error, backing off %s: %v", backoff, err)
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > w.cfg.BackoffCap {
				backoff = w.cfg.BackoffCap
			}
			continue
		}

		backoff = w.cfg.BackoffBase
		if advanced {
			last = newLast
			continue // immediately check for more, no sleep
		}

		if !sleepCtx(ctx, w.cfg.PollInterval) {
			return nil
		}
	}
}

// step performs one spec.md §4.3 iteration. advanced reports whether the
// cursor moved.
func (w *Watcher) step(ctx context.Context, last uint64) (advanced bool, newLast uint64, err error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return false, last, &TransientError{Op: "block_number", Err: err}
	}
	if head < w.cfg.Confirmations {
		return false, last, nil
	}
	confirmedHead := head - w.cfg.Confirmations

	target := confirmedHead
	if last+w.cfg.MaxEventsPerStep < target {
		target = last + w.cfg.MaxEventsPerStep
	}
	if target <= last {
		return false, last, nil
	}

	logs, err := w.client.Logs(ctx, w.cfg.Contract, w.cfg.Topics, last+1, target)
	if err != nil {
		return false, last, &TransientError{Op: "logs", Err: err}
	}

	for _, l := range logs {
		if err := w.handle(ctx, l); err != nil {
			var dataErr *DataError
			if errors.As(err, &dataErr) {
				w.logger.Printf("skipping log (tx=%s index=%d): %v", l.TxHash, l.Index, dataErr)
				metrics.ObserveDataError(w.cfg.ChainName, metrics.KindWatcher)
				continue
			}
			// Any other error (including *TransientError) aborts the
			// batch without advancing the cursor (spec.md §4.3 step 4).
			return false, last, fmt.Errorf("handler failed on log (tx=%s index=%d): %w", l.TxHash, l.Index, err)
		}
	}

	if err := w.store.SetCursor(w.cfg.Tag, w.cfg.ResourceID, target); err != nil {
		return false, last, fmt.Errorf("set cursor: %w", err)
	}
	return true, target, nil
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
