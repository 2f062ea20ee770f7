package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStateTransition_IncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(StateTransitions.WithLabelValues("100", string(KindBridgeState)))
	ObserveStateTransition("100", KindBridgeState)
	after := testutil.ToFloat64(StateTransitions.WithLabelValues("100", string(KindBridgeState)))
	if after != before+1 {
		t.Fatalf("StateTransitions{100,bridgestate} = %v, want %v", after, before+1)
	}
}

func TestObserveRPCFailure_IncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(RPCFailures.WithLabelValues("5", string(KindWatcher)))
	ObserveRPCFailure("5", KindWatcher)
	after := testutil.ToFloat64(RPCFailures.WithLabelValues("5", string(KindWatcher)))
	if after != before+1 {
		t.Fatalf("RPCFailures{5,watcher} = %v, want %v", after, before+1)
	}
}

func TestSetQueueDepth_SetsGaugeValue(t *testing.T) {
	SetQueueDepth("1", "vote", 7)
	got := testutil.ToFloat64(QueueDepth.WithLabelValues("1", "vote"))
	if got != 7 {
		t.Fatalf("QueueDepth{1,vote} = %v, want 7", got)
	}

	SetQueueDepth("1", "vote", 0)
	got = testutil.ToFloat64(QueueDepth.WithLabelValues("1", "vote"))
	if got != 0 {
		t.Fatalf("QueueDepth{1,vote} after drain = %v, want 0", got)
	}
}

func TestObserveTxDropped_IncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(TxDropped.WithLabelValues("1", "execute"))
	ObserveTxDropped("1", "execute")
	after := testutil.ToFloat64(TxDropped.WithLabelValues("1", "execute"))
	if after != before+1 {
		t.Fatalf("TxDropped{1,execute} = %v, want %v", after, before+1)
	}
}
