package sync

import (
	"context"
	"testing"
	"time"

	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
)

func TestNew_DisabledIsNoOp(t *testing.T) {
	m, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.IsEnabled() {
		t.Fatal("disabled Mirror reports IsEnabled() true")
	}
}

func TestNew_EnabledWithoutProjectIDErrors(t *testing.T) {
	if _, err := New(context.Background(), Config{Enabled: true}); err == nil {
		t.Fatal("New with Enabled=true and no ProjectID: expected error, got nil")
	}
}

func TestOnLeafCached_DisabledMirrorReturnsNilWithoutPanicking(t *testing.T) {
	m, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var resID resourceid.ID
	resID[31] = 7

	err = m.OnLeafCached(context.Background(), LeafCachedEvent{
		ResourceID: resID,
		Index:      3,
		Commitment: [32]byte{0xAA},
		CachedAt:   time.Unix(0, 0),
	})
	if err != nil {
		t.Fatalf("OnLeafCached on disabled mirror: %v", err)
	}
}

func TestClose_NilFirestoreClientIsSafe(t *testing.T) {
	m, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close on never-connected mirror: %v", err)
	}
}
