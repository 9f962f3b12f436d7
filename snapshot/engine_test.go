package snapshot

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/snaptree-fs/snaptree/config"
	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// TreeInodes is a stand-in snapshot-bearing B-tree used only by these tests
// to exercise the reclamation engine's phase 4 key sweep end to end.
const TreeInodes btreekv.TreeID = 2

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := btreekv.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.KeySweepRatePerSec = 0 // unthrottled for tests
	eng := NewEngine(db, cfg, NopWriteRef{}, logx.Nop())
	eng.RegisterTree(BearingTree{ID: TreeInodes})
	return eng
}

func putInodeKey(t *testing.T, eng *Engine, pos uint64, snap uint32) {
	t.Helper()
	err := eng.db.Update(func(txn *btreekv.Txn) error {
		txn.Put(TreeInodes, btreekv.Key{Pos: pos, Snapshot: snap}, []byte("x"))
		return nil
	})
	require.NoError(t, err)
}

func inodeKeysRemaining(t *testing.T, eng *Engine) []btreekv.Key {
	t.Helper()
	var keys []btreekv.Key
	err := eng.db.Update(func(txn *btreekv.Txn) error {
		it, err := txn.Iterate(TreeInodes, btreekv.Key{})
		if err != nil {
			return err
		}
		defer it.Release()
		for it.Next() {
			keys = append(keys, it.Key())
		}
		return nil
	})
	require.NoError(t, err)
	return keys
}

// S1 — fresh subvolume.
func TestCreateFreshSubvolume(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)

	var row SnapshotRow
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		var err error
		row, err = eng.Nodes.Lookup(txn, s1)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint32(0), row.Parent)
	require.Equal(t, [2]uint32{0, 0}, row.Children)
	require.Equal(t, v1, row.Subvol)
	require.True(t, row.IsSubvol())

	var sub SubvolumeRow
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		var err error
		sub, err = eng.Subvols.Get(txn, v1, false, true)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, s1, sub.Snapshot)
	require.Equal(t, uint64(100), sub.Inode)
	require.False(t, sub.IsSnapshot())
}

// S2 — snapshot of a subvolume.
func TestCreateSnapshotOfSubvolume(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)

	v2, c0, err := eng.SubvolumeCreate(200, v1, true)
	require.NoError(t, err)

	var (
		s1Row, c0Row SnapshotRow
		v1Row, v2Row SubvolumeRow
	)
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		var err error
		if s1Row, err = eng.Nodes.Lookup(txn, s1); err != nil {
			return err
		}
		if c0Row, err = eng.Nodes.Lookup(txn, c0); err != nil {
			return err
		}
		if v1Row, err = eng.Subvols.Get(txn, v1, false, true); err != nil {
			return err
		}
		if v2Row, err = eng.Subvols.Get(txn, v2, false, true); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	c1 := v1Row.Snapshot
	require.NotEqual(t, c0, c1)
	require.Greater(t, c0, s1)
	require.Greater(t, c1, s1)

	require.False(t, s1Row.IsSubvol())
	wantChildren := normalizeChildren(c0, c1)
	require.Equal(t, wantChildren, s1Row.Children)

	require.Equal(t, c0, v2Row.Snapshot)
	require.True(t, v2Row.IsSnapshot())
	require.True(t, v2Row.IsReadOnly())

	require.Equal(t, s1, c0Row.Parent)
	require.True(t, c0Row.IsSubvol())
	require.Equal(t, v2, c0Row.Subvol)
}

// S3 — delete leaf subvolume, then reclamation.
func TestDeleteLeafSubvolumeAndReclaim(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)
	v2, c0, err := eng.SubvolumeCreate(200, v1, true)
	require.NoError(t, err)

	var c1 uint32
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		row, err := eng.Subvols.Get(txn, v1, false, true)
		c1 = row.Snapshot
		return err
	})
	require.NoError(t, err)

	// Keys belonging to the doomed leaf, plus a sibling key that must
	// survive.
	putInodeKey(t, eng, 1, c0)
	putInodeKey(t, eng, 1, c1)
	putInodeKey(t, eng, 2, c0)

	require.NoError(t, eng.SubvolumeDelete(v2, 1))

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		_, err := eng.Subvols.Get(txn, v2, false, false)
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		_, err := eng.Nodes.Lookup(txn, c0)
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)

	var s1Row SnapshotRow
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		var err error
		s1Row, err = eng.Nodes.Lookup(txn, s1)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, [2]uint32{c1, 0}, s1Row.Children)

	for _, k := range inodeKeysRemaining(t, eng) {
		require.NotEqual(t, c0, k.Snapshot, "no key tagged with the reclaimed snapshot should remain")
	}
	require.Contains(t, inodeKeysRemaining(t, eng), btreekv.Key{Pos: 1, Snapshot: c1}, "the sibling key must survive")
}

// S4 — delete the middle subvolume; equivalence collapses through the
// remaining live child.
func TestDeleteMiddleSubvolumeCollapsesEquivalence(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)
	_, c0, err := eng.SubvolumeCreate(200, v1, true)
	require.NoError(t, err)

	putInodeKey(t, eng, 5, c0)
	putInodeKey(t, eng, 5, s1) // logically folds into c0 once s1 collapses

	require.NoError(t, eng.SubvolumeDelete(v1, 0))

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		_, err := eng.Subvols.Get(txn, v1, false, false)
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)

	if got := eng.Equiv.Equiv(s1); got != c0 {
		t.Fatalf("equiv(s1) = %d, want %d", got, c0)
	}

	remaining := inodeKeysRemaining(t, eng)
	require.Len(t, remaining, 1, "the redundant s1-tagged key should have been folded away: %s", pretty.Sprint(remaining))
	require.Equal(t, c0, remaining[0].Snapshot)
}

// S5 — no space in the subvolume slot range.
func TestCreateNoSpace(t *testing.T) {
	eng := newTestEngine(t)
	eng.Subvols.max = 3 // narrow the reserved range so it can be saturated
	err := eng.db.Update(func(txn *btreekv.Txn) error {
		for id := SubvolMin; id <= 3; id++ {
			if err := eng.Subvols.materialize(txn, id, SubvolumeRow{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	p := &createProtocol{nodes: eng.Nodes, subvols: eng.Subvols}
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		_, err := p.run(txn, 1, 0, false)
		return err
	})
	require.ErrorIs(t, err, ErrNoSpace)

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
		if err != nil {
			return err
		}
		defer it.Release()
		require.False(t, it.Next(), "no snapshot row should have been created")
		return nil
	})
	require.NoError(t, err)
}

// S6 — crash during reclamation: a mount-time Start() re-queues and
// finishes an interrupted pass.
func TestStartResumesInterruptedReclamation(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)
	v2, c0, err := eng.SubvolumeCreate(200, v1, true)
	require.NoError(t, err)

	var c1 uint32
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		row, err := eng.Subvols.Get(txn, v1, false, true)
		c1 = row.Snapshot
		return err
	})
	require.NoError(t, err)
	putInodeKey(t, eng, 1, c0)

	// Simulate "crash after phase 3": mark the row deleted and leave the
	// subvolume tombstoned, without running the reclaim job at all.
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		txn.Delete(TreeSubvolumes, subvolumeKey(v2))
		return eng.Nodes.MarkDeleted(txn, c0)
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start())

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		_, err := eng.Nodes.Lookup(txn, c0)
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)

	var s1Row SnapshotRow
	err = eng.db.Update(func(txn *btreekv.Txn) error {
		var err error
		s1Row, err = eng.Nodes.Lookup(txn, s1)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, [2]uint32{c1, 0}, s1Row.Children)

	for _, k := range inodeKeysRemaining(t, eng) {
		require.NotEqual(t, c0, k.Snapshot)
	}
}

// A forced commit-time restart must be retried transparently: the creation
// protocol re-executes from scratch and still commits exactly one subvolume
// and one snapshot row.
func TestCreateRetriesOnContention(t *testing.T) {
	eng := newTestEngine(t)

	eng.db.InjectRestart(1)
	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)

	snap, err := eng.SubvolumeGetSnapshot(v1)
	require.NoError(t, err)
	require.Equal(t, s1, snap)

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
		if err != nil {
			return err
		}
		defer it.Release()
		n := 0
		for it.Next() {
			n++
		}
		require.Equal(t, 1, n, "the restarted attempt must not leave a second snapshot row behind")
		return nil
	})
	require.NoError(t, err)
}

// A delete whose IS_SNAPSHOT expectation disagrees with the row reports
// NOT_FOUND and leaves both the subvolume and its snapshot untouched.
func TestDeleteExpectSnapshotFlagMismatch(t *testing.T) {
	eng := newTestEngine(t)

	v1, s1, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)

	err = eng.SubvolumeDelete(v1, 1) // v1 is not IS_SNAPSHOT
	require.ErrorIs(t, err, ErrNotFound)

	err = eng.db.Update(func(txn *btreekv.Txn) error {
		if _, err := eng.Subvols.Get(txn, v1, false, true); err != nil {
			return err
		}
		row, err := eng.Nodes.Lookup(txn, s1)
		if err != nil {
			return err
		}
		require.False(t, row.IsDeleted())
		return nil
	})
	require.NoError(t, err)
}

func TestSubvolumeGetSnapshotMissing(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.SubvolumeGetSnapshot(99)
	require.ErrorIs(t, err, ErrNotFound)
}

// Property 7: running reclamation twice in succession is idempotent.
func TestReclamationIdempotent(t *testing.T) {
	eng := newTestEngine(t)

	v1, _, err := eng.SubvolumeCreate(100, 0, false)
	require.NoError(t, err)
	v2, c0, err := eng.SubvolumeCreate(200, v1, true)
	require.NoError(t, err)
	putInodeKey(t, eng, 1, c0)

	require.NoError(t, eng.SubvolumeDelete(v2, 1))

	before := inodeKeysRemaining(t, eng)
	require.NoError(t, eng.Reclaim.Enqueue())
	after := inodeKeysRemaining(t, eng)

	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("second reclamation pass changed on-disk state:\n%s", diff)
	}
}
