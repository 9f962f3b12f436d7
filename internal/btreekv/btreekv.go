// Package btreekv stands in for the host B-tree abstraction the
// snapshot/subvolume engine is an overlay on; the B-tree itself is a
// separate, external collaborator. The engine only needs iteration,
// slot-level read, row update/delete and transaction begin/commit/restart;
// this package supplies a minimal, concrete, snapshot-aware implementation
// of exactly that contract on top of goleveldb, enough to exercise and
// test the engine end to end without a real clustered B-tree underneath
// it.
package btreekv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrRestart signals that a transaction must be retried from the top.
// Store.Update retries on it and never returns it to its caller. In this
// stand-in it comes only from InjectRestart or from the transaction body
// itself; no conflict between concurrent writers is detected.
var ErrRestart = errors.New("btreekv: transaction restart")

// TreeID names one of the logical B-trees sharing the underlying store.
// Snapshot and subvolume rows each live in their own tree; callers may
// register any number of additional "snapshot-bearing" trees (inodes,
// dirents, extents, xattrs, ...) for the reclamation key sweep.
type TreeID uint8

// Key is a two-component position: Pos is the tree's own primary ordering
// (an inode number, a snapshot id, a subvolume id, a directory slot...) and
// Snapshot is the snapshot-id tag carried by every snapshot-bearing key.
// Trees that are not snapshot-bearing (the snapshot tree itself) always use
// Snapshot == 0.
type Key struct {
	Pos      uint64
	Snapshot uint32
}

func (k Key) encode() []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], k.Pos)
	binary.BigEndian.PutUint32(b[8:12], k.Snapshot)
	return b[:]
}

func decodeKey(b []byte) Key {
	return Key{
		Pos:      binary.BigEndian.Uint64(b[0:8]),
		Snapshot: binary.BigEndian.Uint32(b[8:12]),
	}
}

func treeKey(tree TreeID, k Key) []byte {
	out := make([]byte, 0, 13)
	out = append(out, byte(tree))
	return append(out, k.encode()...)
}

// Store owns one logical goleveldb database shared by every tree. Commits
// are serialized behind a single mutex; transaction bodies passed to Update
// are not, and they are not isolated from each other's commits (the
// engine's own restart-on-conflict loop is exercised through
// InjectRestart, not through real lock contention, since simulating a real
// clustered B-tree's intent-locking is outside this package's job).
type Store struct {
	mu  sync.RWMutex
	db  *leveldb.DB
	seq uint64

	injectRestarts int // remaining forced-restart responses, test-only
}

// Open creates an in-memory-backed store. Passing a non-empty path opens a
// real on-disk goleveldb database so crash/restart semantics can be tested
// by reopening the same path.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InjectRestart arranges for the next n calls to Update's commit step to
// fail with ErrRestart before any write is applied. Test-only hook for
// exercising the "loop while contended" retry paths.
func (s *Store) InjectRestart(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectRestarts = n
}

// Txn is the transaction handle passed to every operation that reads or
// mutates the store. All reads observe the writes already made earlier in
// the same Txn; nothing is visible to other transactions until Commit
// succeeds.
type Txn struct {
	store   *Store
	pending map[string][]byte // nil value means delete
	order   []string          // preserves first-touch order, for determinism only
}

// Get reads the current value for key in tree, returning ok=false if absent.
// It reflects uncommitted writes made earlier in the same transaction.
func (t *Txn) Get(tree TreeID, key Key) (value []byte, ok bool, err error) {
	k := string(treeKey(tree, key))
	if v, touched := t.pending[k]; touched {
		return v, v != nil, nil
	}
	v, err := t.store.db.Get([]byte(k), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// GetIntent is semantically identical to Get for this stand-in; a real
// clustered B-tree would take a row-level intent lock here so that a
// concurrent reader racing the same row observes RESTART instead of a torn
// read. Named separately so callers document which reads require that
// stronger guarantee.
func (t *Txn) GetIntent(tree TreeID, key Key) ([]byte, bool, error) {
	return t.Get(tree, key)
}

// Put stages a write, visible to later reads in this transaction and to
// everyone else only after Commit.
func (t *Txn) Put(tree TreeID, key Key, value []byte) {
	k := string(treeKey(tree, key))
	if _, touched := t.pending[k]; !touched {
		t.order = append(t.order, k)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	t.pending[k] = cp
}

// Delete stages a deletion.
func (t *Txn) Delete(tree TreeID, key Key) {
	k := string(treeKey(tree, key))
	if _, touched := t.pending[k]; !touched {
		t.order = append(t.order, k)
	}
	t.pending[k] = nil
}

// Iterator walks keys within one tree in increasing (Pos, Snapshot) order.
// "Snapshot-aware" iteration is simply iterating the
// tree in its natural key order, since Snapshot is the low-order component
// of the key: every key for a given Pos is visited contiguously.
type Iterator struct {
	keys []Key
	vals [][]byte
	i    int
}

func (it *Iterator) Next() bool {
	it.i++
	return it.i < len(it.keys)
}

func (it *Iterator) Key() Key { return it.keys[it.i] }
func (it *Iterator) Value() []byte { return it.vals[it.i] }
func (it *Iterator) Release() {}

// Iterate returns an iterator over tree starting at the first key >= from,
// reflecting this transaction's own pending writes. The snapshot-bearing
// trees used by the reclamation engine are expected to be iterated this way,
// from PosMin upward.
func (t *Txn) Iterate(tree TreeID, from Key) (*Iterator, error) {
	merged := map[Key][]byte{}

	prefix := []byte{byte(tree)}
	iter := t.store.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		kb := iter.Key()
		if !bytes.HasPrefix(kb, prefix) {
			break
		}
		k := decodeKey(kb[1:])
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		merged[k] = v
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for k, v := range t.pending {
		if len(k) < 1 || k[0] != byte(tree) {
			continue
		}
		key := decodeKey([]byte(k)[1:])
		if v == nil {
			delete(merged, key)
		} else {
			merged[key] = v
		}
	}
	keys := make([]Key, 0, len(merged))
	for k := range merged {
		if k.Pos < from.Pos || (k.Pos == from.Pos && k.Snapshot < from.Snapshot) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Pos != keys[j].Pos {
			return keys[i].Pos < keys[j].Pos
		}
		return keys[i].Snapshot < keys[j].Snapshot
	})
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = merged[k]
	}
	return &Iterator{keys: keys, vals: vals, i: -1}, nil
}

// Update runs fn inside a fresh transaction and commits it, retrying
// automatically while fn or the commit itself reports ErrRestart: on
// restart the caller re-executes from the start of the transaction body,
// and no durable effects are observable until commit. fn must be
// idempotent with respect to its own side effects outside the Txn, since it
// may run more than once.
func (s *Store) Update(fn func(*Txn) error) error {
	for {
		txn := &Txn{store: s, pending: make(map[string][]byte)}
		err := fn(txn)
		if errors.Is(err, ErrRestart) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.commit(txn); err != nil {
			if errors.Is(err, ErrRestart) {
				continue
			}
			return err
		}
		return nil
	}
}

// UpdateNoFail behaves like Update but is named separately so call sites
// can document that they're relying on a commit mode that retries
// forever under contention (the reclamation key sweep), which by
// definition cannot be abandoned.
func (s *Store) UpdateNoFail(fn func(*Txn) error) error {
	return s.Update(fn)
}

func (s *Store) commit(txn *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.injectRestarts > 0 {
		s.injectRestarts--
		return ErrRestart
	}
	batch := new(leveldb.Batch)
	for _, k := range txn.order {
		v := txn.pending[k]
		if v == nil {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), v)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.seq++
	return nil
}
