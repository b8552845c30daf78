// Package router implements a generation-versioned routing table that
// maps a hashed key prefix to a child index. Reads are lock-free via a
// snapshot-and-verify protocol; updates are assumed to be serialized by
// the owning tree's write lock.
package router

import (
	"runtime"
	"sync/atomic"

	"github.com/CVDpl/go-live-kvtree/internal/common"
)

// Shift is the width of the hashed-prefix class in bits; the table has
// one slot per class. Keys whose prefix hashes to the same class always
// route to the same child.
const Shift = 8

// TableSize is the number of routing classes.
const TableSize = 1 << Shift

const tableMask = TableSize - 1

// Router routes prefix-hash classes to child indexes.
//
// Update protocol: gen is bumped before any slot is mutated, committed
// is advanced to gen after all mutation is visible. A reader observes a
// consistent table iff gen == committed before and after its reads.
type Router struct {
	gen       atomic.Uint32
	committed atomic.Uint32
	mapv      [TableSize]atomic.Uint32
}

// New creates a router at generation 0 with every class routed to
// child 0.
func New() *Router { return &Router{} }

// Class reduces a prefix hash to its routing class.
func Class(prefixHash uint64) uint32 { return uint32(prefixHash) & tableMask }

// Route maps a prefix hash to a child index and reports the generation
// the answer belongs to. Lock-free: it retries while an update is in
// flight. Returns ErrRoutingInconsistent only if the generation
// protocol is violated, which indicates shared-state corruption.
func (r *Router) Route(prefixHash uint64) (child, gen uint32, err error) {
	idx := Class(prefixHash)
	for {
		g := r.committed.Load()
		cur := r.gen.Load()
		if g > cur {
			return 0, 0, common.ErrRoutingInconsistent
		}
		if g != cur {
			// Update in flight; wait for it to commit.
			runtime.Gosched()
			continue
		}
		child = r.mapv[idx].Load()
		if r.gen.Load() == g {
			return child, g, nil
		}
	}
}

// Snapshot copies the whole table along with the generation it belongs
// to, using the same consistency protocol as Route.
func (r *Router) Snapshot() (mapv [TableSize]uint32, gen uint32, err error) {
	for {
		g := r.committed.Load()
		cur := r.gen.Load()
		if g > cur {
			return mapv, 0, common.ErrRoutingInconsistent
		}
		if g != cur {
			runtime.Gosched()
			continue
		}
		for i := range mapv {
			mapv[i] = r.mapv[i].Load()
		}
		if r.gen.Load() == g {
			return mapv, g, nil
		}
	}
}

// Update replaces the table contents and advances the generation. The
// caller must hold the owning tree's write lock; updates are not safe
// to run concurrently with each other. mapping may be shorter than the
// table, in which case remaining slots keep their values.
func (r *Router) Update(mapping []uint32) (uint32, error) {
	if len(mapping) > TableSize {
		mapping = mapping[:TableSize]
	}
	g, err := r.begin()
	if err != nil {
		return 0, err
	}
	for i, child := range mapping {
		r.mapv[i].Store(child)
	}
	r.committed.Store(g)
	return g, nil
}

// Remap changes a single class and advances the generation. Same
// locking requirements as Update.
func (r *Router) Remap(class, child uint32) (uint32, error) {
	g, err := r.begin()
	if err != nil {
		return 0, err
	}
	r.mapv[class&tableMask].Store(child)
	r.committed.Store(g)
	return g, nil
}

// begin opens an update window: verifies the previous update committed,
// then bumps gen so in-flight readers retry.
func (r *Router) begin() (uint32, error) {
	if r.committed.Load() != r.gen.Load() {
		return 0, common.ErrRoutingInconsistent
	}
	return r.gen.Add(1), nil
}

// Gen returns the committed generation.
func (r *Router) Gen() uint32 { return r.committed.Load() }
