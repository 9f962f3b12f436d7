package snapshot

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
)

// WriteRef is the filesystem-wide write gate the reclamation engine takes
// before running and releases at job end, so unmount cannot proceed while
// reclamation is in flight. The real gate lives in the host filesystem,
// outside this package; tests use NopWriteRef.
type WriteRef interface {
	Acquire()
	Release()
}

type NopWriteRef struct{}

func (NopWriteRef) Acquire() {}
func (NopWriteRef) Release() {}

// BearingTree is one snapshot-bearing B-tree registered with the
// reclamation engine for the phase-4 key sweep: every B-tree that carries
// snapshot-tagged keys needs one of these.
type BearingTree struct {
	ID btreekv.TreeID

	// FlushCachedRow is called once per distinct Pos before that
	// position's keys are swept, for inode-keyed trees that maintain an
	// external row cache (out of scope here; a host filesystem's
	// inode-row cache is the expected caller). It returns deferred=true
	// when the cache asked for more time, in which case phase 4 skips
	// this position for the current scan and picks it up on the next one.
	// Nil means no cache to flush.
	FlushCachedRow func(pos uint64) (deferred bool)
}

// ReclaimEngine implements the dead-snapshot reclamation pass: a
// single-threaded, resumable, multi-phase job. Enqueue runs it in the
// calling goroutine; no separate worker is started.
type ReclaimEngine struct {
	db             *btreekv.Store
	nodes          *NodeStore
	equiv          *EquivCache
	trees          []BearingTree
	writes         WriteRef
	limiter        *rate.Limiter
	batch          int
	tolerant       bool
	sweepWhiteouts bool
	log            *logx.Logger

	group singleflight.Group // coalesces concurrent Enqueue calls
}

func NewReclaimEngine(db *btreekv.Store, nodes *NodeStore, equiv *EquivCache, writes WriteRef, batch, ratePerSec int, tolerant, sweepWhiteouts bool, log *logx.Logger) *ReclaimEngine {
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	return &ReclaimEngine{
		db:             db,
		nodes:          nodes,
		equiv:          equiv,
		writes:         writes,
		limiter:        rate.NewLimiter(limit, max(batch, 1)),
		batch:          max(batch, 1),
		tolerant:       tolerant,
		sweepWhiteouts: sweepWhiteouts,
		log:            log,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RegisterTree adds a snapshot-bearing B-tree to the set swept by phase 4.
// Must be called before the first Enqueue; not safe to call concurrently
// with a running job.
func (r *ReclaimEngine) RegisterTree(t BearingTree) {
	r.trees = append(r.trees, t)
}

// Enqueue runs a reclamation pass synchronously and returns its error.
// Coalescing rule: a call made while a pass is already running does not
// start another one and does not re-acquire the write reference; it waits
// for the running pass and returns that pass's result. singleflight.Group
// guarantees exactly that: concurrent callers with the same key share one
// in-flight call, and the write reference is only acquired once for it.
func (r *ReclaimEngine) Enqueue() error {
	_, err, _ := r.group.Do("reclaim", func() (interface{}, error) {
		r.writes.Acquire()
		defer r.writes.Release()
		return nil, r.run()
	})
	return err
}

// run executes phases 1-5 as independent, restartable transactions. Each
// phase commits before the next begins, so a crash between phases resumes
// cleanly at the next mount.
func (r *ReclaimEngine) run() error {
	if err := r.phase1DeadDetection(); err != nil {
		return fmt.Errorf("reclaim phase 1: %w", err)
	}
	ids, err := r.phase2Recompute()
	if err != nil {
		return fmt.Errorf("reclaim phase 2: %w", err)
	}
	deleted, err := r.phase3Materialize(ids)
	if err != nil {
		return fmt.Errorf("reclaim phase 3: %w", err)
	}
	if err := r.phase4KeySweep(deleted); err != nil {
		return fmt.Errorf("reclaim phase 4: %w", err)
	}
	if err := r.phase5RemoveRows(deleted); err != nil {
		return fmt.Errorf("reclaim phase 5: %w", err)
	}
	return nil
}

// phase1DeadDetection walks all snapshot rows in id order; any row that is
// neither DELETED nor IS_SUBVOL, and whose children are all either absent
// or DELETED, is marked deleted.
func (r *ReclaimEngine) phase1DeadDetection() error {
	return r.db.Update(func(txn *btreekv.Txn) error {
		ids, err := r.allSnapshotIDs(txn)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row, err := r.nodes.Lookup(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if row.IsDeleted() || row.IsSubvol() {
				continue
			}
			allDeadOrAbsent := true
			for _, ch := range row.Children {
				child, err := r.nodes.Lookup(txn, ch) // lookup(0) is "absent, harmless"
				if err == ErrNotFound {
					continue
				}
				if err != nil {
					return err
				}
				if !child.IsDeleted() {
					allDeadOrAbsent = false
					break
				}
			}
			if allDeadOrAbsent {
				if err := r.nodes.MarkDeleted(txn, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// phase2Recompute rebuilds the equivalence cache from the current on-disk
// image (so a cold cache after a crash is refreshed exactly as at mount),
// then recomputes every slot's equiv representative.
func (r *ReclaimEngine) phase2Recompute() ([]uint32, error) {
	var ids []uint32
	err := r.db.Update(func(txn *btreekv.Txn) error {
		var err error
		ids, err = r.allSnapshotIDs(txn)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row, err := r.nodes.Lookup(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := r.equiv.UpdateFromRow(id, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.equiv.RecomputeEquiv(ids)
	return ids, nil
}

// phase3Materialize walks all snapshot rows again and collects every id
// whose row has DELETED set; this list is the ground truth for phase 4
// and phase 5.
func (r *ReclaimEngine) phase3Materialize(ids []uint32) (map[uint32]bool, error) {
	deleted := make(map[uint32]bool)
	err := r.db.Update(func(txn *btreekv.Txn) error {
		for _, id := range ids {
			row, err := r.nodes.Lookup(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if row.IsDeleted() {
				deleted[id] = true
			}
		}
		return nil
	})
	return deleted, err
}

func (r *ReclaimEngine) allSnapshotIDs(txn *btreekv.Txn) ([]uint32, error) {
	it, err := txn.Iterate(TreeSnapshots, snapshotKey(0))
	if err != nil {
		return nil, err
	}
	defer it.Release()
	var ids []uint32
	for it.Next() {
		ids = append(ids, it.Key().Snapshot)
	}
	return ids, nil
}

// phase4KeySweep deletes, across every registered snapshot-bearing B-tree,
// every key tagged with a dead snapshot id, plus every key made redundant
// by an equivalence collapse. It uses NOFAIL commit
// mode: contention is retried forever by btreekv.Store.Update, so
// this phase cannot starve.
func (r *ReclaimEngine) phase4KeySweep(deleted map[uint32]bool) error {
	for _, tree := range r.trees {
		if err := r.sweepTree(tree, deleted); err != nil {
			return err
		}
	}
	return nil
}

// sweepTree runs scans over one bearing tree until a full scan completes
// with no deferred positions: a position whose cached-row flush asks for
// more time is skipped for the current scan and picked up on the next one.
func (r *ReclaimEngine) sweepTree(tree BearingTree, deleted map[uint32]bool) error {
	for {
		deferred, err := r.sweepTreeScan(tree, deleted)
		if err != nil {
			return err
		}
		if deferred == 0 {
			return nil
		}
	}
}

// sweepTreeScan is one scan over the tree, one Pos group at a time: batches
// split between groups, never inside one, since seen_equivs is scoped to a
// single position and redundancy can only be judged once every key sharing
// that position has been seen. It reports how many positions were skipped
// because their cached-row flush deferred.
func (r *ReclaimEngine) sweepTreeScan(tree BearingTree, deleted map[uint32]bool) (int, error) {
	var (
		from          btreekv.Key
		deferredTotal int
	)
	for {
		var (
			nextFrom btreekv.Key
			more     bool
		)
		err := r.db.UpdateNoFail(func(txn *btreekv.Txn) error {
			it, err := txn.Iterate(tree.ID, from)
			if err != nil {
				return err
			}
			defer it.Release()

			var (
				group     []btreekv.Key
				curPos    uint64
				havePos   bool
				positions int
			)
			flush := func() error {
				// Processed from the most specific (largest, hence
				// the most recently created) snapshot id down to the
				// oldest ancestor, so an ancestor key made redundant
				// by a live descendant's equivalent key is the one
				// deleted, not the other way around.
				seenEquivs := make(map[uint32]bool)
				for i := len(group) - 1; i >= 0; i-- {
					key := group[i]
					if err := r.limiter.WaitN(context.Background(), 1); err != nil {
						// context.Background() never cancels; WaitN
						// only errors when the limiter's burst can't
						// satisfy the request, a config mistake.
						return err
					}
					e := r.equiv.Equiv(key.Snapshot)
					if deleted[key.Snapshot] || seenEquivs[e] {
						txn.Delete(tree.ID, key)
					} else {
						seenEquivs[e] = true
					}
				}
				return nil
			}

			for it.Next() {
				key := it.Key()
				if !havePos || key.Pos != curPos {
					if havePos {
						if err := flush(); err != nil {
							return err
						}
						group = group[:0]
						positions++
						if positions >= r.batch {
							nextFrom = btreekv.Key{Pos: key.Pos}
							more = true
							return nil
						}
					}
					curPos = key.Pos
					havePos = true
					if tree.FlushCachedRow != nil {
						if tree.FlushCachedRow(curPos) {
							deferredTotal++
							nextFrom = btreekv.Key{Pos: curPos + 1}
							more = true
							return nil
						}
					}
				}
				group = append(group, key)
			}
			if havePos {
				if err := flush(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if !more {
			return deferredTotal, nil
		}
		from = nextFrom
	}
}

// phase5RemoveRows physically removes every dead snapshot row, highest id
// first so a dead child is always unlinked from its (possibly also dead)
// parent before the parent row itself goes away. Re-running this phase on
// already-removed ids is a no-op, so resuming an interrupted reclamation
// pass after a crash is always safe.
func (r *ReclaimEngine) phase5RemoveRows(deleted map[uint32]bool) error {
	ids := make([]uint32, 0, len(deleted))
	for id := range deleted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		err := r.db.Update(func(txn *btreekv.Txn) error {
			row, err := r.nodes.Lookup(txn, id)
			if err == ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			if !row.IsDeleted() {
				return nil
			}
			return r.nodes.DeletePhysical(txn, id, r.tolerant)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StartIfNeeded is called from Engine.Start: if any snapshot row has
// DELETED set, reclamation is re-queued so an interrupted pass resumes
// cleanly instead of leaving dead rows and their keys stranded.
func (r *ReclaimEngine) StartIfNeeded() error {
	var needed bool
	err := r.db.Update(func(txn *btreekv.Txn) error {
		ids, err := r.allSnapshotIDs(txn)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row, err := r.nodes.Lookup(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if row.IsDeleted() {
				needed = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if needed {
		r.log.Info("re-queuing reclamation after restart: deleted rows present")
		return r.Enqueue()
	}
	return nil
}
