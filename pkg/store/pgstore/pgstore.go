// Package pgstore adapts a PostgreSQL connection to the store.KV interface,
// grounded on the teacher's pkg/database.Client (lib/pq driver, connection
// pooling, context-bound queries). Unlike the teacher's relational
// repositories, the relayer's Store is a single logical key-value space
// (spec.md §4.1), so this backend keeps one narrow table rather than
// modeling each of the five tables as its own schema.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relayer_kv (
	key   BYTEA PRIMARY KEY,
	value BYTEA NOT NULL
)`

// Adapter wraps a *sql.DB (opened with the postgres driver) as a store.KV.
type Adapter struct {
	db *sql.DB
}

// Open connects to dsn, verifies the connection, and ensures the backing
// table exists.
func Open(dsn string) (*Adapter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: create table: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("pgstore: close: %w", err)
	}
	return nil
}

// Get implements store.KV.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	var value []byte
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.db.QueryRowContext(ctx, `SELECT value FROM relayer_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get: %w", err)
	}
	return value, nil
}

// Set implements store.KV.
func (a *Adapter) Set(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO relayer_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("pgstore: set: %w", err)
	}
	return nil
}

// Has implements store.KV.
func (a *Adapter) Has(key []byte) (bool, error) {
	var exists bool
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM relayer_kv WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: has: %w", err)
	}
	return exists, nil
}

// Delete implements store.KV.
func (a *Adapter) Delete(key []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, `DELETE FROM relayer_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}
