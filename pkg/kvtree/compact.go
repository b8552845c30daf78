package kvtree

import (
	"fmt"

	"github.com/CVDpl/go-live-kvtree/internal/common"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/kle"
)

// Placement directs one compaction output kvset to a node. For a spill
// the target is a child of the source node (created on demand); for an
// in-node compaction it is the source node itself.
type Placement struct {
	Loc   Loc
	Kvset Kvset
}

// Remap is one hash-router change to apply with a compaction result.
type Remap struct {
	Class uint32
	Child uint32
}

// Work describes one finished (or failed) unit of compaction the
// scheduler hands back to the tree. The tree applies the kvset-list
// splice and router changes under the write lock; everything about how
// the outputs were produced is the scheduler's business.
type Work struct {
	// ID identifies the job; for spills it matches the tracked
	// Spill.ID on the source node.
	ID uint64

	// Loc names the source node the work consumed kvsets from.
	Loc Loc

	// Spill is true when the outputs move data down to children.
	Spill bool

	// InputCount is how many of the source node's oldest kvsets the
	// work consumed.
	InputCount int

	// Outputs place the produced kvsets. May be empty when compaction
	// eliminated everything (all keys annihilated by tombstones).
	Outputs []Placement

	// RemapRoutes carries router updates that become visible with the
	// splice.
	RemapRoutes []Remap

	// Err is set by the worker when the job failed; the tree then
	// leaves node state unchanged.
	Err error

	// Sched is scheduler job state, stored and returned untouched.
	Sched any
}

// ApplyCompaction is the compaction-complete entry point. It splices
// the work's outputs into the tree and applies any routing changes, all
// under the write lock, then releases the source node's compaction or
// spill claim. If w.Err is set, or the splice cannot be applied, node
// kvset lists are left unchanged and only the claim is released.
func (t *Tree) ApplyCompaction(w *Work) error {
	if t.closed.Load() {
		return common.ErrClosed
	}
	if w.Err != nil {
		t.logger.Warn("compaction failed, leaving node unchanged",
			"job", w.ID, "loc", w.Loc.String(), "error", w.Err)
		t.releaseClaim(w, true)
		return w.Err
	}

	t.WriteAcquire()
	node := t.FindNode(w.Loc)
	if node == nil {
		t.WriteRelease()
		t.releaseClaim(w, false)
		return fmt.Errorf("apply compaction %d at %s: %w", w.ID, w.Loc.String(), common.ErrInvalidLocation)
	}
	if int(node.kvsetc.Load()) < w.InputCount {
		t.WriteRelease()
		t.releaseClaim(w, false)
		return fmt.Errorf("apply compaction %d at %s: %d inputs but %d kvsets: %w",
			w.ID, w.Loc.String(), w.InputCount, node.kvsetc.Load(), common.ErrInvalidLocation)
	}

	// Resolve or create every target before touching any list, so a
	// failure leaves the tree untouched.
	targets := make([]*Node, len(w.Outputs))
	for i, out := range w.Outputs {
		tn := t.FindNode(out.Loc)
		if tn == nil && w.Spill && out.Loc.ParentLoc(t.fanoutBits) == w.Loc {
			var err error
			tn, err = t.createNodeLocked(out.Loc.Level, out.Loc.Offset)
			if err != nil {
				t.WriteRelease()
				t.releaseClaim(w, false)
				return fmt.Errorf("apply compaction %d: %w", w.ID, err)
			}
		}
		if tn == nil {
			t.WriteRelease()
			t.releaseClaim(w, false)
			return fmt.Errorf("apply compaction %d: target %s: %w", w.ID, out.Loc.String(), common.ErrInvalidLocation)
		}
		targets[i] = tn
	}

	// Reserve one arena entry per output before consuming anything, so
	// arena exhaustion fails the whole job with every list untouched
	// and the caller can retry once space recovers.
	entries := make([]*kle.Entry, len(w.Outputs))
	for i := range w.Outputs {
		e, err := t.cache.Alloc()
		if err != nil {
			for _, held := range entries[:i] {
				t.cache.Free(held)
			}
			t.nospace.Store(true)
			t.WriteRelease()
			t.releaseClaim(w, false)
			return fmt.Errorf("apply compaction %d: reserve entries: %w", w.ID, err)
		}
		entries[i] = e
	}

	retired := node.detachOldest(w.InputCount)
	for i, out := range w.Outputs {
		// Spilled data is newer than anything already in the child, so
		// it lands at the front there; in-node outputs replace the
		// consumed run at the oldest end.
		targets[i].attachEntry(entries[i], out.Kvset, w.Spill)
	}

	var routerErr error
	for _, rm := range w.RemapRoutes {
		if _, routerErr = t.router.Remap(rm.Class, rm.Child); routerErr != nil {
			break
		}
	}

	if err := t.journal.ListSpliced(w.Loc, node.Dgen()); err != nil {
		t.logger.Error("journal splice failed", "loc", w.Loc.String(), "error", err)
	}
	t.WriteRelease()
	t.releaseClaim(w, false)

	if routerErr != nil {
		// Generation protocol violation under the write lock: fatal.
		t.logger.Error("hash router inconsistent during compaction", "job", w.ID)
		return routerErr
	}

	if t.metrics != nil {
		t.metrics.CompactionsApplied.Inc()
		t.metrics.KvsetsRetired.Add(float64(len(retired)))
		t.metrics.KvsetsAttached.Add(float64(len(w.Outputs)))
		t.metrics.RouterGeneration.Set(float64(t.router.Gen()))
	}
	t.logger.Debug("compaction applied",
		"job", w.ID, "loc", w.Loc.String(),
		"inputs", len(retired), "outputs", len(w.Outputs), "spill", w.Spill)
	return nil
}

// CancelCompaction is the compaction-cancelled entry point: it releases
// the source node's claim without touching any kvset list. A failed
// spill additionally wedges the node's spill tracking until the
// scheduler resolves the failure.
func (t *Tree) CancelCompaction(w *Work) {
	t.releaseClaim(w, true)
	if t.metrics != nil {
		t.metrics.CompactionsCancelled.Inc()
	}
	t.logger.Debug("compaction cancelled", "job", w.ID, "loc", w.Loc.String())
}

// CompactionSlice is the incremental-progress entry point, called after
// each unit of compaction work. It only advances the source node's
// incremental dgen watermark and counters; no structural change.
func (t *Tree) CompactionSlice(w *Work, dgen uint64) {
	tok := t.ReadAcquire()
	node := t.FindNode(w.Loc)
	if node != nil {
		for {
			cur := node.incrDgen.Load()
			if dgen <= cur || node.incrDgen.CompareAndSwap(cur, dgen) {
				break
			}
		}
	}
	t.ReadRelease(tok)
	if t.metrics != nil {
		t.metrics.CompactionSlices.Inc()
	}
}

// releaseClaim drops whichever claim the work holds on its source node:
// the tracked spill for spill jobs, the compacting flag otherwise.
func (t *Tree) releaseClaim(w *Work, failed bool) {
	tok := t.ReadAcquire()
	node := t.FindNode(w.Loc)
	if node != nil {
		if w.Spill {
			node.UntrackSpill(w.ID)
			if failed && w.Err != nil {
				node.WedgeSpills()
			}
		} else {
			node.EndCompaction()
		}
	}
	t.ReadRelease(tok)
}
