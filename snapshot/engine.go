package snapshot

import (
	"fmt"
	"io"

	"github.com/snaptree-fs/snaptree/config"
	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// Engine is the external API consumed by the rest of the filesystem:
// get/create/delete a subvolume's snapshot, mount-time start/check, and
// unmount-time teardown.
type Engine struct {
	db  *btreekv.Store
	cfg config.Config
	log *logx.Logger

	Nodes   *NodeStore
	Subvols *SubvolStore
	Equiv   *EquivCache
	Reclaim *ReclaimEngine
	Checker *Checker
}

// NewEngine wires together the row stores, the equivalence cache and the
// reclamation engine over db. writes is the filesystem-wide write gate
// reclamation acquires before running; pass NopWriteRef{} where the host
// doesn't have a real one (tests, tools).
func NewEngine(db *btreekv.Store, cfg config.Config, writes WriteRef, log *logx.Logger) *Engine {
	if log == nil {
		log = logx.Nop()
	}
	equiv := NewEquivCache()
	nodes := NewNodeStore(db, equiv, cfg.RowCacheBytes, log)
	subvols := NewSubvolStore(db, 4096, log)
	reclaim := NewReclaimEngine(db, nodes, equiv, writes, cfg.KeySweepBatch, cfg.KeySweepRatePerSec, cfg.TolerantDelete, cfg.SweepWhiteouts, log)
	checker := NewChecker(nodes, subvols, log)
	return &Engine{
		db:      db,
		cfg:     cfg,
		log:     log,
		Nodes:   nodes,
		Subvols: subvols,
		Equiv:   equiv,
		Reclaim: reclaim,
		Checker: checker,
	}
}

// RegisterTree registers a snapshot-bearing B-tree (inodes, dirents,
// extents, xattrs, ...) for the reclamation engine's key sweep. Must be
// called before Start.
func (e *Engine) RegisterTree(t BearingTree) {
	e.Reclaim.RegisterTree(t)
}

// SubvolumeGetSnapshot reads the snapshot id a subvolume currently lives at.
func (e *Engine) SubvolumeGetSnapshot(id uint32) (uint32, error) {
	var snap uint32
	err := e.db.Update(func(txn *btreekv.Txn) error {
		var err error
		snap, err = e.Subvols.GetSnapshot(txn, id)
		return err
	})
	return snap, err
}

// SubvolumeCreate runs the creation protocol: a fresh subvolume when
// srcSubvolID == 0, or a snapshot-of an existing one otherwise. The whole
// protocol commits as one transaction; any step failing aborts and
// btreekv.Store.Update restarts it from scratch.
func (e *Engine) SubvolumeCreate(inode uint64, srcSubvolID uint32, readOnly bool) (newSubvol, newSnap uint32, err error) {
	p := &createProtocol{nodes: e.Nodes, subvols: e.Subvols}
	var res CreateResult
	err = e.db.Update(func(txn *btreekv.Txn) error {
		var err error
		res, err = p.run(txn, inode, srcSubvolID, readOnly)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return res.NewSubvol, res.NewSnap, nil
}

// SubvolumeDelete removes a subvolume row, marks its snapshot DELETED, and
// then runs reclamation (see ReclaimEngine.Enqueue) before returning.
// expectSnapshotFlag is -1 (don't care), 0 or 1.
func (e *Engine) SubvolumeDelete(id uint32, expectSnapshotFlag int) error {
	err := e.db.Update(func(txn *btreekv.Txn) error {
		return e.Subvols.Delete(txn, e.Nodes, id, expectSnapshotFlag)
	})
	if err != nil {
		return err
	}
	// Reclamation starts here, after the delete has committed, rather
	// than from a commit hook, which btreekv.Store doesn't have.
	return e.Reclaim.Enqueue()
}

// Start populates the equivalence cache from on-disk rows and re-queues
// reclamation if any DELETED row exists. Invoked once at mount.
func (e *Engine) Start() error {
	var ids []uint32
	err := e.db.Update(func(txn *btreekv.Txn) error {
		it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
		if err != nil {
			return err
		}
		defer it.Release()
		for it.Next() {
			id := it.Key().Snapshot
			row, err := DecodeSnapshotRow(it.Value())
			if err != nil {
				return fmt.Errorf("snapshots_start: decode snapshot %d: %w", id, err)
			}
			if err := e.Equiv.UpdateFromRow(id, row); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Equiv.RecomputeEquiv(ids)
	return e.Reclaim.StartIfNeeded()
}

// Check runs the consistency checker, invoked by fsck.
func (e *Engine) Check() []error {
	var problems []error
	err := e.db.Update(func(txn *btreekv.Txn) error {
		problems = e.Checker.Check(txn)
		return nil
	})
	if err != nil {
		return append(problems, err)
	}
	return problems
}

// Exit frees the in-core equivalence cache at unmount.
func (e *Engine) Exit() {
	e.Equiv.Reset()
}

// DumpAll writes every snapshot and subvolume row to w in the fixed
// textual format, for the fsck tool's -dump flag.
func (e *Engine) DumpAll(w io.Writer) error {
	return e.db.Update(func(txn *btreekv.Txn) error {
		it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
		if err != nil {
			return err
		}
		for it.Next() {
			row, err := DecodeSnapshotRow(it.Value())
			if err != nil {
				return err
			}
			DumpSnapshot(w, it.Key().Snapshot, row)
		}
		it.Release()

		it2, err := txn.Iterate(TreeSubvolumes, subvolumeKey(SubvolMin))
		if err != nil {
			return err
		}
		defer it2.Release()
		for it2.Next() {
			row, err := DecodeSubvolumeRow(it2.Value())
			if err != nil {
				return err
			}
			DumpSubvolume(w, uint32(it2.Key().Pos), row)
		}
		return nil
	})
}
