// Package metrics exposes the Prometheus counters and gauges named in
// spec.md §7's user-visible observability line: "a structured log line per
// state transition and per RPC failure; metrics counters per (chain, kind)".
//
// Grounded on the promauto package-level-var pattern used throughout the
// retrieved example pack's chain watchers (e.g. the beacon-chain execution
// service's validDepositsCount/blockNumberGauge/missedDepositLogsCount),
// generalized from that watcher's single hardcoded chain to this relayer's
// per-(chain_name, kind) label pair, since every pipeline stage here runs
// once per configured chain rather than once per process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind labels which pipeline stage a counter observes: the watcher (C1-C3),
// the signaler (C6), the bridge state tracker (C7), or the tx queue (C8).
type Kind string

const (
	KindWatcher     Kind = "watcher"
	KindSignaler    Kind = "signaler"
	KindBridgeState Kind = "bridgestate"
	KindTxQueue     Kind = "txqueue"
)

var (
	// StateTransitions counts one event per ProposalEntity status
	// transition, labeled (chain, kind) per spec.md §7.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_state_transitions_total",
		Help: "Number of ProposalEntity state transitions observed, by chain and pipeline stage.",
	}, []string{"chain", "kind"})

	// RPCFailures counts one event per failed RPC call (spec.md §7's
	// "Transient I/O" and "Contract state mismatch" error kinds), labeled
	// (chain, kind).
	RPCFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_rpc_failures_total",
		Help: "Number of RPC failures observed, by chain and pipeline stage.",
	}, []string{"chain", "kind"})

	// DataErrors counts spec.md §7's "Data" error kind: malformed events,
	// missing linked-anchor config, and similar skip-and-continue faults.
	DataErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_data_errors_total",
		Help: "Number of skipped data errors (malformed event, missing config), by chain and pipeline stage.",
	}, []string{"chain", "kind"})

	// QueueDepth tracks the current pending-item count of one chain's
	// vote or execute queue, sampled by the tx queue runner each poll.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_queue_depth",
		Help: "Current number of pending entries in a chain's vote/execute queue.",
	}, []string{"chain", "kind"})

	// TxConfirmations counts one event per transaction that reached the
	// confirmation depth configured for its chain.
	TxConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_tx_confirmations_total",
		Help: "Number of queued transactions confirmed on-chain, by chain and queue kind.",
	}, []string{"chain", "kind"})

	// TxDropped counts one event per transaction that the chain reported
	// as dropped (requiring a re-sign with a fresh nonce).
	TxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_tx_dropped_total",
		Help: "Number of queued transactions reported dropped by the chain, by chain and queue kind.",
	}, []string{"chain", "kind"})
)

// ObserveStateTransition increments StateTransitions for (chain, kind).
func ObserveStateTransition(chain string, kind Kind) {
	StateTransitions.WithLabelValues(chain, string(kind)).Inc()
}

// ObserveRPCFailure increments RPCFailures for (chain, kind).
func ObserveRPCFailure(chain string, kind Kind) {
	RPCFailures.WithLabelValues(chain, string(kind)).Inc()
}

// ObserveDataError increments DataErrors for (chain, kind).
func ObserveDataError(chain string, kind Kind) {
	DataErrors.WithLabelValues(chain, string(kind)).Inc()
}

// SetQueueDepth records the current depth of one chain's queue kind.
func SetQueueDepth(chain string, kind string, depth int) {
	QueueDepth.WithLabelValues(chain, kind).Set(float64(depth))
}

// ObserveTxConfirmation increments TxConfirmations for (chain, kind).
func ObserveTxConfirmation(chain string, kind string) {
	TxConfirmations.WithLabelValues(chain, kind).Inc()
}

// ObserveTxDropped increments TxDropped for (chain, kind).
func ObserveTxDropped(chain string, kind string) {
	TxDropped.WithLabelValues(chain, kind).Inc()
}
