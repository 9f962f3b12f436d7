package snapshot

import (
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// TreeSnapshots is the logical B-tree holding snapshot rows. Snapshot rows
// occupy key positions (0, 1) ... (0, U32Max-1): Pos is always 0, and the
// snapshot id rides in the Snapshot component of the key.
const TreeSnapshots btreekv.TreeID = 0

// TreeSubvolumes is the logical B-tree holding subvolume rows, keyed
// directly by subvolume id in Pos.
const TreeSubvolumes btreekv.TreeID = 1

func snapshotKey(id uint32) btreekv.Key { return btreekv.Key{Pos: 0, Snapshot: id} }
func subvolumeKey(id uint32) btreekv.Key { return btreekv.Key{Pos: uint64(id)} }

// NodeStore implements the snapshot node store:
// read/write/delete of individual snapshot nodes within a transaction,
// maintaining parent<->child pointer symmetry.
type NodeStore struct {
	db    *btreekv.Store
	cache *EquivCache
	rows  *fastcache.Cache // read-through byte cache fronting the B-tree
	log   *logx.Logger
}

func NewNodeStore(db *btreekv.Store, cache *EquivCache, rowCacheBytes int, log *logx.Logger) *NodeStore {
	return &NodeStore{
		db:    db,
		cache: cache,
		rows:  fastcache.New(rowCacheBytes),
		log:   log,
	}
}

// Lookup reads a snapshot row by id, or returns ErrNotFound.
// id 0 is never live and always reports ErrNotFound, matching the engine's
// treatment of lookup(0) as "absent, harmless".
func (ns *NodeStore) Lookup(txn *btreekv.Txn, id uint32) (SnapshotRow, error) {
	if id == 0 {
		return SnapshotRow{}, ErrNotFound
	}
	if buf, ok := ns.rows.HasGet(nil, snapshotCacheKey(id)); ok {
		return DecodeSnapshotRow(buf)
	}
	buf, ok, err := txn.Get(TreeSnapshots, snapshotKey(id))
	if err != nil {
		return SnapshotRow{}, err
	}
	if !ok {
		return SnapshotRow{}, ErrNotFound
	}
	row, err := DecodeSnapshotRow(buf)
	if err != nil {
		return SnapshotRow{}, err
	}
	ns.rows.Set(snapshotCacheKey(id), buf)
	return row, nil
}

func snapshotCacheKey(id uint32) []byte {
	return []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
}

// lookupIntent reads a snapshot row through the intent-locked read path,
// bypassing the read-through cache: callers about to rewrite the row need
// the authoritative value.
func (ns *NodeStore) lookupIntent(txn *btreekv.Txn, id uint32) (SnapshotRow, error) {
	if id == 0 {
		return SnapshotRow{}, ErrNotFound
	}
	buf, ok, err := txn.GetIntent(TreeSnapshots, snapshotKey(id))
	if err != nil {
		return SnapshotRow{}, err
	}
	if !ok {
		return SnapshotRow{}, ErrNotFound
	}
	return DecodeSnapshotRow(buf)
}

func (ns *NodeStore) write(txn *btreekv.Txn, id uint32, row SnapshotRow) error {
	if err := ValidateSnapshotRow(id, row); err != nil {
		return err
	}
	txn.Put(TreeSnapshots, snapshotKey(id), EncodeSnapshotRow(row))
	// Invalidate rather than populate: the write is not durable until the
	// surrounding transaction commits, and a restarted or aborted attempt
	// must not leave phantom rows behind in the cache.
	ns.rows.Del(snapshotCacheKey(id))
	return ns.cache.UpdateFromRow(id, row)
}

// MarkDeleted sets the DELETED flag on a snapshot row. A row already
// marked deleted is a no-op success; a missing row is reported as
// inconsistent, since MarkDeleted is only ever called for an id the
// caller just observed to exist.
func (ns *NodeStore) MarkDeleted(txn *btreekv.Txn, id uint32) error {
	row, err := ns.lookupIntent(txn, id)
	if err == ErrNotFound {
		ns.log.Error("mark_deleted: snapshot row missing", "id", id)
		return fmt.Errorf("%w: snapshot %d missing for mark_deleted", ErrInconsistent, id)
	}
	if err != nil {
		return err
	}
	if row.IsDeleted() {
		return nil
	}
	row.Flags |= FlagDeleted
	return ns.write(txn, id, row)
}

// DeletePhysical removes a DELETED snapshot row and repairs its parent's
// children array. A missing parent, or a parent that doesn't list id
// among its children, is logged as an inconsistency; whether that aborts
// the transaction is governed by tolerant.
func (ns *NodeStore) DeletePhysical(txn *btreekv.Txn, id uint32, tolerant bool) error {
	row, err := ns.Lookup(txn, id)
	if err != nil {
		return err
	}
	if !row.IsDeleted() {
		return fmt.Errorf("%w: delete_physical on live snapshot %d", ErrInvalid, id)
	}
	if row.Parent != 0 {
		parent, err := ns.lookupIntent(txn, row.Parent)
		if err == ErrNotFound {
			ns.log.Error("delete_physical: parent missing", "id", id, "parent", row.Parent)
			if !tolerant {
				return fmt.Errorf("%w: snapshot %d parent %d missing", ErrInconsistent, id, row.Parent)
			}
		} else if err != nil {
			return err
		} else {
			found := false
			for i, ch := range parent.Children {
				if ch == id {
					parent.Children[i] = 0
					found = true
				}
			}
			if !found {
				ns.log.Error("delete_physical: back-pointer missing in parent", "id", id, "parent", row.Parent)
				if !tolerant {
					return fmt.Errorf("%w: snapshot %d not listed as child of parent %d", ErrInconsistent, id, row.Parent)
				}
			}
			parent.Children = normalizeChildren(parent.Children[0], parent.Children[1])
			if err := ns.write(txn, row.Parent, parent); err != nil {
				return err
			}
		}
	}
	txn.Delete(TreeSnapshots, snapshotKey(id))
	ns.rows.Del(snapshotCacheKey(id))
	ns.cache.Forget(id)
	return nil
}

// Create allocates n (1 or 2) new snapshot nodes as children of parentID.
// It returns the newly allocated ids in ascending order; callers that need
// a specific ordering between the two (for example, which one becomes a
// rebase target) reorder themselves.
func (ns *NodeStore) Create(txn *btreekv.Txn, parentID uint32, subvolIDs []uint32, n int) ([]uint32, error) {
	if n != 1 && n != 2 {
		return nil, fmt.Errorf("%w: create requested n=%d, want 1 or 2", ErrInvalid, n)
	}
	newIDs, err := ns.allocateIDs(txn, n)
	if err != nil {
		return nil, err
	}
	for i, id := range newIDs {
		row := SnapshotRow{
			Parent: parentID,
			Flags:  FlagIsSubvol,
			Subvol: subvolIDs[i],
		}
		if err := ns.write(txn, id, row); err != nil {
			return nil, err
		}
	}
	if parentID != 0 {
		parent, err := ns.lookupIntent(txn, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Children[0] != 0 || parent.Children[1] != 0 {
			return nil, fmt.Errorf("%w: snapshot %d already has children", ErrInvalid, parentID)
		}
		var children [2]uint32
		if len(newIDs) == 2 {
			children = normalizeChildren(newIDs[0], newIDs[1])
		} else {
			children = [2]uint32{newIDs[0], 0}
		}
		parent.Children = children
		parent.Flags &^= FlagIsSubvol
		if err := ns.write(txn, parentID, parent); err != nil {
			return nil, err
		}
	}
	return newIDs, nil
}

// allocateIDs scans the snapshot B-tree to locate the current highest
// occupied id, then hands out the n consecutive empty slots immediately
// above it. Every new id is larger than every id present in the tree,
// which is what keeps a freshly created child's id above its parent's
// without re-validating the whole tree on every create. An id freed by
// reclamation is handed out again once no higher id remains in the tree.
func (ns *NodeStore) allocateIDs(txn *btreekv.Txn, n int) ([]uint32, error) {
	it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
	if err != nil {
		return nil, err
	}
	defer it.Release()
	var maxUsed uint32
	for it.Next() {
		if id := it.Key().Snapshot; id > maxUsed {
			maxUsed = id
		}
	}
	found := make([]uint32, n)
	for i := 0; i < n; i++ {
		next := uint64(maxUsed) + uint64(i) + 1
		if next < uint64(SnapshotIDMin) || next > uint64(SnapshotIDMax) {
			return nil, fmt.Errorf("%w: only %d/%d snapshot ids free above %d", ErrNoSpace, i, n, maxUsed)
		}
		found[i] = uint32(next)
	}
	return found, nil
}
