package snapshot

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// SubvolStore implements the subvolume store.
type SubvolStore struct {
	db    *btreekv.Store
	cache *lru.Cache[uint32, SubvolumeRow] // bounded, evictable: btreekv.Store is always the source of truth on a miss
	log   *logx.Logger

	// min/max bound the slot range AllocateSlot scans. Default to the
	// reserved range; tests narrow them to reach the NO_SPACE path
	// without materializing millions of rows.
	min, max uint32
}

func NewSubvolStore(db *btreekv.Store, cacheSize int, log *logx.Logger) *SubvolStore {
	c, err := lru.New[uint32, SubvolumeRow](cacheSize)
	if err != nil {
		// Only fails for a non-positive size, which is a programming
		// error in the engine's own wiring.
		panic(err)
	}
	return &SubvolStore{db: db, cache: c, log: log, min: SubvolMin, max: SubvolMax}
}

// Get reads a subvolume row "get(id, iter_flags,
// inconsistent_if_absent)". cached selects whether the bounded read-through
// cache may answer the read (the "cached-iteration flag" referenced by
// get_snapshot); inconsistentIfAbsent logs an INCONSISTENT event before
// returning NOT_FOUND when the row is missing.
func (ss *SubvolStore) Get(txn *btreekv.Txn, id uint32, cached, inconsistentIfAbsent bool) (SubvolumeRow, error) {
	if cached {
		if row, ok := ss.cache.Get(id); ok {
			return row, nil
		}
	}
	buf, ok, err := txn.Get(TreeSubvolumes, subvolumeKey(id))
	if err != nil {
		return SubvolumeRow{}, err
	}
	if !ok {
		if inconsistentIfAbsent {
			ss.log.Error("subvolume row missing", "id", id)
		}
		return SubvolumeRow{}, ErrNotFound
	}
	row, err := DecodeSubvolumeRow(buf)
	if err != nil {
		return SubvolumeRow{}, err
	}
	ss.cache.Add(id, row)
	return row, nil
}

// GetSnapshot reads a subvolume row through the cache and returns just its
// snapshot pointer.
func (ss *SubvolStore) GetSnapshot(txn *btreekv.Txn, id uint32) (uint32, error) {
	row, err := ss.Get(txn, id, true, false)
	if err != nil {
		return 0, err
	}
	return row.Snapshot, nil
}

// getIntent reads a subvolume row through the store's intent-locked read
// path, bypassing the bounded cache: callers about to rewrite the row need
// the authoritative value, not a possibly-stale cached copy.
func (ss *SubvolStore) getIntent(txn *btreekv.Txn, id uint32) (SubvolumeRow, error) {
	buf, ok, err := txn.GetIntent(TreeSubvolumes, subvolumeKey(id))
	if err != nil {
		return SubvolumeRow{}, err
	}
	if !ok {
		ss.log.Error("subvolume row missing", "id", id)
		return SubvolumeRow{}, ErrNotFound
	}
	return DecodeSubvolumeRow(buf)
}

func (ss *SubvolStore) write(txn *btreekv.Txn, id uint32, row SubvolumeRow) error {
	if err := ValidateSubvolumeRow(id); err != nil {
		return err
	}
	txn.Put(TreeSubvolumes, subvolumeKey(id), EncodeSubvolumeRow(row))
	// Invalidate rather than populate: the write is not durable until the
	// surrounding transaction commits, and a restarted or aborted attempt
	// must not leave phantom rows behind in the cache.
	ss.cache.Remove(id)
	return nil
}

// AllocateSlot linearly scans the reserved range for the first free slot.
func (ss *SubvolStore) AllocateSlot(txn *btreekv.Txn) (uint32, error) {
	return ss.allocateSlotInRange(txn, ss.min, ss.max)
}

// allocateSlotInRange is AllocateSlot's scan, parameterized so tests can
// exercise the NO_SPACE path without materializing the whole reserved id
// range.
func (ss *SubvolStore) allocateSlotInRange(txn *btreekv.Txn, min, max uint32) (uint32, error) {
	for id := min; id <= max; id++ {
		_, ok, err := txn.Get(TreeSubvolumes, subvolumeKey(id))
		if err != nil {
			return 0, err
		}
		if !ok {
			return id, nil
		}
		if id == max {
			break
		}
	}
	return 0, fmt.Errorf("%w: subvolume id range [%d,%d] saturated", ErrNoSpace, min, max)
}

// Delete removes a subvolume row and marks its snapshot deleted.
// expectSnapshotFlag is -1 (don't care), 0 (expect !IS_SNAPSHOT) or 1
// (expect IS_SNAPSHOT); a mismatch is reported as ErrNotFound. Scheduling
// reclamation is the caller's job — see Engine.SubvolumeDelete.
func (ss *SubvolStore) Delete(txn *btreekv.Txn, nodes *NodeStore, id uint32, expectSnapshotFlag int) error {
	row, err := ss.getIntent(txn, id)
	if err != nil {
		return err
	}
	if expectSnapshotFlag >= 0 {
		want := expectSnapshotFlag == 1
		if row.IsSnapshot() != want {
			return ErrNotFound
		}
	}
	txn.Delete(TreeSubvolumes, subvolumeKey(id))
	ss.cache.Remove(id)
	return nodes.MarkDeleted(txn, row.Snapshot)
}

// materialize writes a brand-new subvolume row. Exposed to the creation
// protocol rather than duplicated there.
func (ss *SubvolStore) materialize(txn *btreekv.Txn, id uint32, row SubvolumeRow) error {
	return ss.write(txn, id, row)
}

// rebase overwrites an existing subvolume's snapshot pointer. A
// subvolume's snapshot field is rewritten exactly once by the creation
// protocol.
func (ss *SubvolStore) rebase(txn *btreekv.Txn, id uint32, newSnapshot uint32) error {
	row, err := ss.getIntent(txn, id)
	if err != nil {
		return err
	}
	row.Snapshot = newSnapshot
	return ss.write(txn, id, row)
}
