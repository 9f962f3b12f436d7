package snapshot

import (
	"github.com/snaptree-fs/snaptree/internal/btreekv"
)

// CreateResult is what the creation protocol hands back to its caller.
type CreateResult struct {
	NewSubvol uint32
	NewSnap   uint32
}

// createProtocol implements atomic creation of a fresh subvolume, or a
// snapshot of an existing one. It runs inside the single transaction
// passed by the caller (Engine.SubvolumeCreate wraps this in db.Update so
// a RESTART re-executes the whole thing from scratch: any step failing
// aborts and restarts).
type createProtocol struct {
	nodes   *NodeStore
	subvols *SubvolStore
}

// run executes one attempt at the protocol. srcSubvolID == 0 means "fresh
// subvolume"; otherwise this is a snapshot-of an existing subvolume.
func (p *createProtocol) run(txn *btreekv.Txn, inode uint64, srcSubvolID uint32, readOnly bool) (CreateResult, error) {
	newSlot, err := p.subvols.AllocateSlot(txn)
	if err != nil {
		return CreateResult{}, err
	}

	snapshotSubvols := []uint32{newSlot, srcSubvolID}

	var (
		parent uint32
		newIDs []uint32
		srcRow SubvolumeRow
		hasSrc = srcSubvolID != 0
	)
	if hasSrc {
		srcRow, err = p.subvols.Get(txn, srcSubvolID, false, true)
		if err != nil {
			return CreateResult{}, err
		}
		parent = srcRow.Snapshot

		newIDs, err = p.nodes.Create(txn, parent, snapshotSubvols, 2)
		if err != nil {
			return CreateResult{}, err
		}
		// The two freshly allocated children play asymmetric roles:
		// one becomes the rebase target that the new subvolume
		// points at, the other is what the source subvolume keeps
		// pointing at afterward. NodeStore.Create returns ids in
		// ascending numeric order, which doesn't by itself encode
		// that asymmetry, so it's made explicit here: index 0 is the
		// target handed to the new subvolume, index 1 is what the
		// source subvolume keeps.
		target, kept := newIDs[0], newIDs[1]

		if err := p.subvols.rebase(txn, srcSubvolID, kept); err != nil {
			return CreateResult{}, err
		}
		return p.finish(txn, newSlot, target, inode, readOnly, true)
	}

	newIDs, err = p.nodes.Create(txn, 0, snapshotSubvols, 1)
	if err != nil {
		return CreateResult{}, err
	}
	return p.finish(txn, newSlot, newIDs[0], inode, readOnly, false)
}

func (p *createProtocol) finish(txn *btreekv.Txn, newSlot, newSnap uint32, inode uint64, readOnly, isSnapshot bool) (CreateResult, error) {
	flags := uint32(0)
	if readOnly {
		flags |= SubvolReadOnly
	}
	if isSnapshot {
		flags |= SubvolIsSnapshot
	}
	row := SubvolumeRow{Flags: flags, Snapshot: newSnap, Inode: inode}
	if err := p.subvols.materialize(txn, newSlot, row); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{NewSubvol: newSlot, NewSnap: newSnap}, nil
}
