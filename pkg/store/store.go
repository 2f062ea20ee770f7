// Package store implements the persisted Store of spec.md §4.1: the five
// logical tables (leaves, last_deposit_block, cursors, proposals, queue)
// addressed through one key-value backend, mirroring the teacher's
// ledger.LedgerStore: a thin struct wrapping a KV interface, with
// big-endian-encoded keys and JSON-marshaled values, and sentinel errors
// instead of nil, nil returns for "not found".
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/w3f-grants-archive/relayer/pkg/proposal"
	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
)

// KV is the minimal backend a Store needs. Concrete backends live in
// pkg/store/kvstore (cometbft-db) and pkg/store/pgstore (lib/pq).
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
}

// Sentinel errors. F.4-style: explicit errors instead of nil, nil returns.
var (
	// ErrNotFound is returned when a lookup by exact key misses.
	ErrNotFound = errors.New("store: not found")

	// ErrLeafConflict is returned by InsertLeaves when an index already
	// holds a different commitment than the one being inserted, per
	// spec.md §4.1 ("rejecting an insert whose index conflicts with an
	// existing, differing commitment").
	ErrLeafConflict = errors.New("store: leaf index conflict")
)

// Store provides the typed operations of spec.md §4.1 over a KV backend.
type Store struct {
	kv KV
}

// New wraps kv as a Store.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// ====== Key layout ======
//
// Every key is prefixed with a one-byte table discriminator so the five
// logical tables never collide, per spec.md §6 ("keys MUST include a
// prefix discriminator").

const (
	tableLeaves           byte = 0x01
	tableLastDepositBlock byte = 0x02
	tableCursors          byte = 0x03
	tableProposals        byte = 0x04
	tableQueue            byte = 0x05
	tableQueueIndex       byte = 0x06
)

func leafKey(resourceID resourceid.ID, index uint32) []byte {
	k := make([]byte, 0, 1+32+4)
	k = append(k, tableLeaves)
	k = append(k, resourceID[:]...)
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	return append(k, idx...)
}

func lastDepositBlockKey(resourceID resourceid.ID) []byte {
	k := make([]byte, 0, 1+32)
	k = append(k, tableLastDepositBlock)
	return append(k, resourceID[:]...)
}

// cursorKey addresses a (watcher_tag, resource_id) cursor entry.
func cursorKey(watcherTag string, resourceID resourceid.ID) []byte {
	k := make([]byte, 0, 1+len(watcherTag)+1+32)
	k = append(k, tableCursors)
	k = append(k, []byte(watcherTag)...)
	k = append(k, ':')
	return append(k, resourceID[:]...)
}

func proposalKey(dataHash [32]byte) []byte {
	k := make([]byte, 0, 1+32)
	k = append(k, tableProposals)
	return append(k, dataHash[:]...)
}

// queueKeyLabel identifies the kind of queued transaction. The two ASCII
// labels below, including the double-x typo in the execute label, are
// preserved byte-for-byte per spec.md §9 ("Queue-key label preservation"):
// they are part of the on-disk key format, not documentation.
type queueKeyLabel [32]byte

var (
	queueLabelVote    = queueKeyLabel(mustLabel("vote_for_proposal_tx_key_prefix_"))
	queueLabelExecute = queueKeyLabel(mustLabel("execute_proposal_txx_key_prefix_"))
)

func mustLabel(s string) [32]byte {
	if len(s) != 32 {
		panic(fmt.Sprintf("queue label %q is not 32 bytes (got %d)", s, len(s)))
	}
	var b [32]byte
	copy(b[:], s)
	return b
}

// QueueKind selects which queue-key label a QueuedTx is stored under.
type QueueKind int

const (
	QueueKindVote QueueKind = iota
	QueueKindExecute
)

func (k QueueKind) label() queueKeyLabel {
	if k == QueueKindExecute {
		return queueLabelExecute
	}
	return queueLabelVote
}

// chainPrefix encodes a chain id as an 8-byte big-endian prefix, per
// spec.md §6's "chain_prefix(chain_id)".
func chainPrefix(chainID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, chainID)
	return b
}

// queueKey builds "chain_prefix(chain_id) ‖ 32-byte-ascii-label ‖
// 32-byte-data_hash" exactly as spec.md §6 prescribes.
func queueKey(chainID uint64, kind QueueKind, dataHash [32]byte) []byte {
	k := make([]byte, 0, 1+8+32+32)
	k = append(k, tableQueue)
	k = append(k, chainPrefix(chainID)...)
	label := kind.label()
	k = append(k, label[:]...)
	return append(k, dataHash[:]...)
}

// queueIndexKey addresses the ordered list of data_hashes pending for one
// (chain_id, kind) pair. The KV interface has no range scan, so the queue
// runner (C8) needs an explicit index to iterate a chain's pending items
// rather than relying on prefix enumeration.
func queueIndexKey(chainID uint64, kind QueueKind) []byte {
	k := make([]byte, 0, 1+8+32)
	k = append(k, tableQueueIndex)
	k = append(k, chainPrefix(chainID)...)
	label := kind.label()
	return append(k, label[:]...)
}

// ====== Leaves ======

// InsertLeaves appends (index, commitment) pairs for resourceID. Per
// spec.md §4.1, this must be append-only: an insert whose index already
// holds a different commitment is rejected with ErrLeafConflict; inserting
// the same (index, commitment) pair again is a no-op (idempotence by
// primary key, per §4.4's invariant).
func (s *Store) InsertLeaves(resourceID resourceid.ID, leaves []LeafInsert) error {
	for _, l := range leaves {
		key := leafKey(resourceID, l.Index)
		existing, err := s.kv.Get(key)
		if err != nil {
			return fmt.Errorf("store: get leaf %s/%d: %w", resourceID, l.Index, err)
		}
		if existing != nil {
			if !bytes.Equal(existing, l.Commitment[:]) {
				return fmt.Errorf("%w: %s/%d", ErrLeafConflict, resourceID, l.Index)
			}
			continue
		}
		if err := s.kv.Set(key, l.Commitment[:]); err != nil {
			return fmt.Errorf("store: set leaf %s/%d: %w", resourceID, l.Index, err)
		}
	}
	return nil
}

// LeafInsert is one (index, commitment) pair passed to InsertLeaves.
type LeafInsert struct {
	Index      uint32
	Commitment [32]byte
}

// ReadLeaves returns every stored commitment for resourceID, in ascending
// index order. Leaves are dense starting at 0 (spec.md §3's LeafRecord
// invariant), so this walks sequential indices until the first miss rather
// than requiring a range-scanning KV backend.
func (s *Store) ReadLeaves(resourceID resourceid.ID) ([][32]byte, error) {
	var out [][32]byte
	for i := uint32(0); ; i++ {
		v, err := s.kv.Get(leafKey(resourceID, i))
		if err != nil {
			return nil, fmt.Errorf("store: read leaf %s/%d: %w", resourceID, i, err)
		}
		if v == nil {
			break
		}
		var c [32]byte
		copy(c[:], v)
		out = append(out, c)
	}
	return out, nil
}

// ====== last_deposit_block ======

// SetLastDepositBlock records the block a deposit for resourceID was seen
// in. Per spec.md §3 this is monotonically non-decreasing; a lower value
// is silently ignored rather than erroring, since watchers may legitimately
// reprocess an already-seen block window after a crash.
func (s *Store) SetLastDepositBlock(resourceID resourceid.ID, block uint64) error {
	current, err := s.LastDepositBlock(resourceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && block <= current {
		return nil
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, block)
	if err := s.kv.Set(lastDepositBlockKey(resourceID), b); err != nil {
		return fmt.Errorf("store: set last_deposit_block %s: %w", resourceID, err)
	}
	return nil
}

// LastDepositBlock returns the last recorded deposit block for resourceID,
// or ErrNotFound if none has been recorded yet.
func (s *Store) LastDepositBlock(resourceID resourceid.ID) (uint64, error) {
	v, err := s.kv.Get(lastDepositBlockKey(resourceID))
	if err != nil {
		return 0, fmt.Errorf("store: get last_deposit_block %s: %w", resourceID, err)
	}
	if v == nil {
		return 0, ErrNotFound
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("store: corrupt last_deposit_block value for %s (%d bytes)", resourceID, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// ====== cursors ======

// SetCursor persists last_scanned_block for a (watcherTag, resourceID)
// pair. This is the only place a watcher's cursor advances (spec.md §4.3
// step 5).
func (s *Store) SetCursor(watcherTag string, resourceID resourceid.ID, block uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, block)
	if err := s.kv.Set(cursorKey(watcherTag, resourceID), b); err != nil {
		return fmt.Errorf("store: set cursor %s/%s: %w", watcherTag, resourceID, err)
	}
	return nil
}

// GetCursor returns the persisted cursor, or ok=false if absent (the
// watcher should then fall back to the contract's deployed_at, per spec.md
// §4.3 step 1).
func (s *Store) GetCursor(watcherTag string, resourceID resourceid.ID) (block uint64, ok bool, err error) {
	v, err := s.kv.Get(cursorKey(watcherTag, resourceID))
	if err != nil {
		return 0, false, fmt.Errorf("store: get cursor %s/%s: %w", watcherTag, resourceID, err)
	}
	if v == nil {
		return 0, false, nil
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("store: corrupt cursor value for %s/%s (%d bytes)", watcherTag, resourceID, len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// ====== proposals ======

// InsertProposal stores or overwrites a ProposalEntity, keyed by its
// data_hash.
func (s *Store) InsertProposal(e proposal.Entity) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal proposal %x: %w", e.DataHash, err)
	}
	if err := s.kv.Set(proposalKey(e.DataHash), b); err != nil {
		return fmt.Errorf("store: set proposal %x: %w", e.DataHash, err)
	}
	return nil
}

// GetProposal looks up a ProposalEntity by data_hash, or returns
// ErrNotFound.
func (s *Store) GetProposal(dataHash [32]byte) (proposal.Entity, error) {
	v, err := s.kv.Get(proposalKey(dataHash))
	if err != nil {
		return proposal.Entity{}, fmt.Errorf("store: get proposal %x: %w", dataHash, err)
	}
	if v == nil {
		return proposal.Entity{}, ErrNotFound
	}
	var e proposal.Entity
	if err := json.Unmarshal(v, &e); err != nil {
		return proposal.Entity{}, fmt.Errorf("store: unmarshal proposal %x: %w", dataHash, err)
	}
	return e, nil
}

// RemoveProposal deletes the ProposalEntity for dataHash, per spec.md §3's
// rule that removal is only valid once status is Executed or Cancelled —
// enforcement of that rule is the caller's job (pkg/bridgestate); this
// method just performs the delete and reports what, if anything, it
// removed.
func (s *Store) RemoveProposal(dataHash [32]byte) (*proposal.Entity, error) {
	e, err := s.GetProposal(dataHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.kv.Delete(proposalKey(dataHash)); err != nil {
		return nil, fmt.Errorf("store: delete proposal %x: %w", dataHash, err)
	}
	return &e, nil
}

// ====== queue ======

// QueuedTx is an outbound transaction awaiting submission by C8.
type QueuedTx struct {
	ChainID  uint64
	Kind     QueueKind
	DataHash [32]byte
	MinBlock uint64 // 0 means no gate
	Target   []byte // destination contract address the queue runner calls
	Payload  []byte // chain-specific call data built by the Signaler/tracker
}

// EnqueueItem inserts tx under its (chain_id, kind, data_hash) key. Per
// spec.md §3, the queue is a set under this key: enqueuing an
// already-present key is a no-op, satisfying "at most one pending
// QueuedTx per key".
func (s *Store) EnqueueItem(tx QueuedTx) error {
	key := queueKey(tx.ChainID, tx.Kind, tx.DataHash)
	exists, err := s.kv.Has(key)
	if err != nil {
		return fmt.Errorf("store: has queue item: %w", err)
	}
	if exists {
		return nil
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("store: marshal queue item: %w", err)
	}
	if err := s.kv.Set(key, b); err != nil {
		return fmt.Errorf("store: set queue item: %w", err)
	}
	if err := s.appendToQueueIndex(tx.ChainID, tx.Kind, tx.DataHash); err != nil {
		return fmt.Errorf("store: index queue item: %w", err)
	}
	return nil
}

func (s *Store) readQueueIndex(chainID uint64, kind QueueKind) ([][32]byte, error) {
	v, err := s.kv.Get(queueIndexKey(chainID, kind))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	var hashes [][32]byte
	if err := json.Unmarshal(v, &hashes); err != nil {
		return nil, fmt.Errorf("corrupt queue index: %w", err)
	}
	return hashes, nil
}

func (s *Store) writeQueueIndex(chainID uint64, kind QueueKind, hashes [][32]byte) error {
	b, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	return s.kv.Set(queueIndexKey(chainID, kind), b)
}

func (s *Store) appendToQueueIndex(chainID uint64, kind QueueKind, dataHash [32]byte) error {
	hashes, err := s.readQueueIndex(chainID, kind)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		if h == dataHash {
			return nil
		}
	}
	hashes = append(hashes, dataHash)
	return s.writeQueueIndex(chainID, kind, hashes)
}

func (s *Store) removeFromQueueIndex(chainID uint64, kind QueueKind, dataHash [32]byte) error {
	hashes, err := s.readQueueIndex(chainID, kind)
	if err != nil {
		return err
	}
	out := hashes[:0]
	for _, h := range hashes {
		if h != dataHash {
			out = append(out, h)
		}
	}
	return s.writeQueueIndex(chainID, kind, out)
}

// ListQueue returns the data_hashes pending for (chainID, kind) in FIFO
// enqueue order, for the queue runner (C8) to drain in turn.
func (s *Store) ListQueue(chainID uint64, kind QueueKind) ([][32]byte, error) {
	hashes, err := s.readQueueIndex(chainID, kind)
	if err != nil {
		return nil, fmt.Errorf("store: list queue %d: %w", chainID, err)
	}
	return hashes, nil
}

// HasItem reports whether a QueuedTx is already pending for this key.
func (s *Store) HasItem(chainID uint64, kind QueueKind, dataHash [32]byte) (bool, error) {
	ok, err := s.kv.Has(queueKey(chainID, kind, dataHash))
	if err != nil {
		return false, fmt.Errorf("store: has queue item: %w", err)
	}
	return ok, nil
}

// DequeueItem returns the QueuedTx for this key without removing it (used
// by the per-chain queue worker to peek before it decides to submit).
func (s *Store) DequeueItem(chainID uint64, kind QueueKind, dataHash [32]byte) (QueuedTx, error) {
	v, err := s.kv.Get(queueKey(chainID, kind, dataHash))
	if err != nil {
		return QueuedTx{}, fmt.Errorf("store: get queue item: %w", err)
	}
	if v == nil {
		return QueuedTx{}, ErrNotFound
	}
	var tx QueuedTx
	if err := json.Unmarshal(v, &tx); err != nil {
		return QueuedTx{}, fmt.Errorf("store: unmarshal queue item: %w", err)
	}
	return tx, nil
}

// RemoveItem deletes a QueuedTx once the queue worker has confirmed it
// (or the bridge tracker cancels it).
func (s *Store) RemoveItem(chainID uint64, kind QueueKind, dataHash [32]byte) error {
	if err := s.kv.Delete(queueKey(chainID, kind, dataHash)); err != nil {
		return fmt.Errorf("store: delete queue item: %w", err)
	}
	if err := s.removeFromQueueIndex(chainID, kind, dataHash); err != nil {
		return fmt.Errorf("store: unindex queue item: %w", err)
	}
	return nil
}
