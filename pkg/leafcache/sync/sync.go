// Package sync mirrors newly cached leaves to Firestore so that dApp
// frontends can subscribe for realtime updates instead of polling the
// upward get_leaves interface (spec.md §6).
//
// Grounded on pkg/firestore/client.go's Client/ClientConfig (the
// enabled-flag no-op pattern so local development needs no GCP
// credentials) and pkg/firestore/sync_service.go's SyncService (one
// OnXxx method per lifecycle event, each a best-effort Set call that
// logs and swallows write errors rather than failing the caller's
// pipeline — mirroring sync_service.go), narrowed from that file's
// multi-stage proof-cycle event set down to the single "leaf cached"
// event this relayer actually produces.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
)

// Config mirrors pkg/firestore.ClientConfig: Enabled=false makes every
// Mirror method a no-op, so a relayer instance with no GCP project
// configured runs unchanged.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads FIREBASE_PROJECT_ID / GOOGLE_APPLICATION_CREDENTIALS /
// LEAFCACHE_FIRESTORE_ENABLED from the environment, matching the teacher's
// pkg/firestore.DefaultConfig convention.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         os.Getenv("LEAFCACHE_FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[LeafcacheSync] ", log.LstdFlags),
	}
}

// Mirror pushes newly cached leaves to Firestore, one document per
// (resource_id, index) leaf, under collection "leafCache/{resource_id}/leaves".
type Mirror struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	enabled   bool
	logger    *log.Logger
}

// New builds a Mirror. With cfg.Enabled false, the returned Mirror is a
// no-op (every OnLeafCached call returns nil immediately) so callers never
// need to branch on whether Firestore sync is configured.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[LeafcacheSync] ", log.LstdFlags)
	}
	m := &Mirror{enabled: cfg.Enabled, logger: cfg.Logger}
	if !cfg.Enabled {
		cfg.Logger.Println("Firestore leaf mirror is disabled, running in no-op mode")
		return m, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("leafcache/sync: FIREBASE_PROJECT_ID is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("leafcache/sync: init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("leafcache/sync: init firestore client: %w", err)
	}

	m.app = app
	m.firestore = client
	cfg.Logger.Printf("Firestore leaf mirror initialized for project: %s", cfg.ProjectID)
	return m, nil
}

// Close releases the underlying Firestore client, if one was created.
func (m *Mirror) Close() error {
	if m.firestore == nil {
		return nil
	}
	return m.firestore.Close()
}

// IsEnabled reports whether this Mirror performs real Firestore writes.
func (m *Mirror) IsEnabled() bool {
	return m.enabled
}

// LeafCachedEvent is the one lifecycle event this package mirrors: a new
// commitment was appended to a resource_id's leaf list (pkg/store.InsertLeaves).
type LeafCachedEvent struct {
	ResourceID resourceid.ID
	Index      uint32
	Commitment [32]byte
	CachedAt   time.Time
}

// OnLeafCached best-effort mirrors ev to Firestore. Write failures are
// logged and swallowed, matching sync_service.go's stance that Firestore
// is a read-side convenience, never a dependency the ingest pipeline can
// be blocked or failed by.
func (m *Mirror) OnLeafCached(ctx context.Context, ev LeafCachedEvent) error {
	if !m.enabled {
		return nil
	}

	docPath := fmt.Sprintf("leafCache/%s/leaves/%d", ev.ResourceID, ev.Index)
	_, err := m.firestore.Doc(docPath).Set(ctx, map[string]interface{}{
		"resourceId": ev.ResourceID.String(),
		"index":      ev.Index,
		"commitment": fmt.Sprintf("%x", ev.Commitment),
		"cachedAt":   ev.CachedAt.Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Printf("Warning: failed to mirror leaf %s/%d to Firestore: %v", ev.ResourceID, ev.Index, err)
	}
	return nil
}
