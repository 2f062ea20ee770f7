// Package kvstore adapts a cometbft-db database to the store.KV interface,
// mirroring pkg/kvdb.KVAdapter's approach of wrapping dbm.DB directly
// rather than introducing another abstraction layer.
package kvstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// Adapter wraps a cometbft-db database as a store.KV.
type Adapter struct {
	db dbm.DB
}

// New opens a goleveldb-backed database at dir/name and wraps it.
func New(name, dir string) (*Adapter, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s in %s: %w", name, dir, err)
	}
	return &Adapter{db: db}, nil
}

// NewWithDB wraps an already-open dbm.DB, for callers (tests, embedders)
// that want to choose the backend explicitly, e.g. dbm.NewMemDB().
func NewWithDB(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get implements store.KV.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	v, err := a.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	return v, nil
}

// Set implements store.KV. Uses SetSync so writes are durable before the
// Store considers the operation complete, matching spec.md §4.1's
// "atomic and durable before returning success" guarantee.
func (a *Adapter) Set(key, value []byte) error {
	if err := a.db.SetSync(key, value); err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// Has implements store.KV.
func (a *Adapter) Has(key []byte) (bool, error) {
	ok, err := a.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("kvstore: has: %w", err)
	}
	return ok, nil
}

// Delete implements store.KV.
func (a *Adapter) Delete(key []byte) error {
	if err := a.db.DeleteSync(key); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("kvstore: close: %w", err)
	}
	return nil
}
