package snapshot

import (
	"fmt"

	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// Checker implements the filesystem-consistency check: a
// two-pass fsck over snapshot and subvolume rows, run at mount time before
// normal operation resumes.
type Checker struct {
	nodes   *NodeStore
	subvols *SubvolStore
	log     *logx.Logger
}

func NewChecker(nodes *NodeStore, subvols *SubvolStore, log *logx.Logger) *Checker {
	return &Checker{nodes: nodes, subvols: subvols, log: log}
}

// Check runs both passes in a single transaction and returns the
// accumulated inconsistency reasons. A nil/empty return means ok.
func (c *Checker) Check(txn *btreekv.Txn) []error {
	var problems []error
	problems = append(problems, c.checkSnapshots(txn)...)
	problems = append(problems, c.checkSubvolumes(txn)...)
	return problems
}

// checkSnapshots is pass 1: for every snapshot row, the referenced subvol
// exists and its own snapshot points back here iff IS_SUBVOL is set; parent
// (if any) exists and lists this id among its children; each child (if any)
// exists and names this id as its parent.
func (c *Checker) checkSnapshots(txn *btreekv.Txn) []error {
	it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
	if err != nil {
		return []error{err}
	}
	defer it.Release()

	var problems []error
	report := func(format string, args ...any) {
		err := fmt.Errorf(format, args...)
		c.log.Error("fsck: snapshot inconsistency", "reason", err)
		problems = append(problems, err)
	}

	for it.Next() {
		id := it.Key().Snapshot
		row, err := DecodeSnapshotRow(it.Value())
		if err != nil {
			report("snapshot %d: %v", id, err)
			continue
		}

		if row.IsSubvol() {
			sub, err := c.subvols.Get(txn, row.Subvol, false, false)
			if err != nil {
				report("snapshot %d: IS_SUBVOL set but subvolume %d missing: %v", id, row.Subvol, err)
			} else if sub.Snapshot != id {
				report("snapshot %d: subvolume %d points at %d instead", id, row.Subvol, sub.Snapshot)
			}
		} else if row.Subvol != 0 {
			if sub, err := c.subvols.Get(txn, row.Subvol, false, false); err == nil && sub.Snapshot == id {
				report("snapshot %d: subvolume %d points here but IS_SUBVOL is not set", id, row.Subvol)
			}
		}

		if row.Parent != 0 {
			parent, err := c.nodes.Lookup(txn, row.Parent)
			if err != nil {
				report("snapshot %d: parent %d missing: %v", id, row.Parent, err)
			} else if parent.Children[0] != id && parent.Children[1] != id {
				report("snapshot %d: parent %d does not list it as a child", id, row.Parent)
			}
		}

		for _, ch := range row.Children {
			if ch == 0 {
				continue
			}
			child, err := c.nodes.Lookup(txn, ch)
			if err != nil {
				report("snapshot %d: child %d missing: %v", id, ch, err)
				continue
			}
			if child.Parent != id {
				report("snapshot %d: child %d has parent %d instead", id, ch, child.Parent)
			}
		}
	}
	return problems
}

// checkSubvolumes is pass 2: every subvolume row names a live snapshot row.
func (c *Checker) checkSubvolumes(txn *btreekv.Txn) []error {
	it, err := txn.Iterate(TreeSubvolumes, subvolumeKey(SubvolMin))
	if err != nil {
		return []error{err}
	}
	defer it.Release()

	var problems []error
	for it.Next() {
		id := uint32(it.Key().Pos)
		row, err := DecodeSubvolumeRow(it.Value())
		if err != nil {
			err := fmt.Errorf("subvolume %d: %v", id, err)
			c.log.Error("fsck: subvolume inconsistency", "reason", err)
			problems = append(problems, err)
			continue
		}
		snap, err := c.nodes.Lookup(txn, row.Snapshot)
		if err != nil {
			err := fmt.Errorf("subvolume %d: snapshot %d missing: %v", id, row.Snapshot, err)
			c.log.Error("fsck: subvolume inconsistency", "reason", err)
			problems = append(problems, err)
			continue
		}
		if snap.IsDeleted() {
			err := fmt.Errorf("subvolume %d: snapshot %d is DELETED", id, row.Snapshot)
			c.log.Error("fsck: subvolume inconsistency", "reason", err)
			problems = append(problems, err)
		}
	}
	return problems
}
