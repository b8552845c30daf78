package kvtree

import (
	"sync"
	"sync/atomic"

	"github.com/axiomhq/hyperloglog"

	"github.com/CVDpl/go-live-kvtree/internal/common"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/kle"
)

// Node is one node of the tree: an ordered list of kvsets (newest
// first), child links, sample statistics, and the per-node bookkeeping
// the external scheduler relies on.
//
// Child and parent links and the kvset list are mutated only under the
// tree's write lock and are read-only to everyone holding a read token.
// Statistics are plain atomics, updated without the write lock.
type Node struct {
	tree   *Tree
	loc    Loc
	parent *Node

	// childv has one slot per possible child; slots stay nil until the
	// child is created. The slice itself is sized at construction and
	// never reallocated.
	childv []*Node
	childc atomic.Uint32

	kvsets kle.List
	kvsetc atomic.Uint32

	// compacting is set while one structural compaction is in flight
	// on this node. Claimed by compare-and-swap so concurrent attempts
	// fail fast instead of blocking.
	compacting atomic.Bool

	spillsMu     sync.Mutex
	spills       []Spill
	spillsWedged bool

	// pfxSpill marks nodes whose spills and scans route children via
	// the prefix-hash router rather than key order.
	pfxSpill bool

	hllMu sync.Mutex
	hll   *hyperloglog.Sketch

	keys     atomic.Uint64
	tombs    atomic.Uint64
	keyBytes atomic.Uint64
	valBytes atomic.Uint64
	sizeMax  atomic.Uint64
	biggest  atomic.Uint64

	// dgen is the newest data-generation watermark linked at this
	// node; incrDgen tracks incremental compaction progress.
	dgen     atomic.Uint64
	incrDgen atomic.Uint64

	// sched is the scheduler-owned state slot. The tree stores and
	// returns it but never interprets it.
	sched atomic.Pointer[any]
}

// Spill identifies one in-flight spill originating at a node by the
// data-generation range it covers. Two spills overlap when their ranges
// intersect.
type Spill struct {
	ID     uint64
	DgenLo uint64
	DgenHi uint64
}

func (s Spill) overlaps(o Spill) bool {
	return s.DgenLo <= o.DgenHi && o.DgenLo <= s.DgenHi
}

func newNode(t *Tree, loc Loc, parent *Node) *Node {
	return &Node{
		tree:     t,
		loc:      loc,
		parent:   parent,
		childv:   make([]*Node, t.params.Fanout()),
		pfxSpill: t.pfxLen > 0 && loc.Level == 0,
		hll:      hyperloglog.New14(),
	}
}

// Loc returns the node's immutable location.
func (n *Node) Loc() Loc { return n.loc }

// Level returns the node's level; 0 is the root.
func (n *Node) Level() uint32 { return n.loc.Level }

// IsRoot reports whether the node is the tree's root.
func (n *Node) IsRoot() bool { return n.parent == nil }

// IsLeaf reports whether the node currently has no children.
func (n *Node) IsLeaf() bool { return n.childc.Load() == 0 }

// Parent returns the node's parent, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Child returns the idx'th child or nil if not created. The caller
// must hold a read token (or the write lock) to keep the link stable.
func (n *Node) Child(idx uint32) *Node {
	if idx >= uint32(len(n.childv)) {
		return nil
	}
	return n.childv[idx]
}

// ChildCount returns the number of created children.
func (n *Node) ChildCount() uint32 { return n.childc.Load() }

// KvsetCount returns the number of kvsets currently linked.
func (n *Node) KvsetCount() uint32 { return n.kvsetc.Load() }

// PrefixSpill reports whether spills from this node route children via
// the prefix-hash router.
func (n *Node) PrefixSpill() bool { return n.pfxSpill }

// Dgen returns the newest data-generation watermark linked at this
// node.
func (n *Node) Dgen() uint64 { return n.dgen.Load() }

// Kvsets walks the node's kvset list newest-first, stopping when fn
// returns false. The caller must hold a read token; linked entries are
// never edited in place, so the walk observes a consistent list.
func (n *Node) Kvsets(fn func(Kvset) bool) {
	for e := n.kvsets.Front(); e != nil; e = e.Next() {
		if !fn(e.Ref.(Kvset)) {
			return
		}
	}
}

// StatsGet copies out the node's sample statistics. Safe under a read
// token; the fields are a best-effort snapshot.
func (n *Node) StatsGet() NodeStats {
	n.hllMu.Lock()
	unique := n.hll.Estimate()
	n.hllMu.Unlock()

	return NodeStats{
		KvsetCount:       n.kvsetc.Load(),
		Keys:             n.keys.Load(),
		Tombs:            n.tombs.Load(),
		KeyBytes:         n.keyBytes.Load(),
		ValueBytes:       n.valBytes.Load(),
		UniqueKeys:       unique,
		SizeMax:          n.sizeMax.Load(),
		BiggestKvsetKeys: n.biggest.Load(),
		Dgen:             n.dgen.Load(),
	}
}

// ObserveKey feeds one key into the node's cardinality sketch. Called
// by ingest and compaction paths as keys land at the node; no lock
// ordering constraints.
func (n *Node) ObserveKey(key []byte) {
	n.hllMu.Lock()
	n.hll.Insert(key)
	n.hllMu.Unlock()
}

// BeginCompaction claims the node for a structural compaction. At most
// one can be in flight; losers get ErrDuplicateCompaction immediately.
func (n *Node) BeginCompaction() error {
	if !n.compacting.CompareAndSwap(false, true) {
		return common.ErrDuplicateCompaction
	}
	return nil
}

// EndCompaction releases the compaction claim.
func (n *Node) EndCompaction() { n.compacting.Store(false) }

// Compacting reports whether a structural compaction is in flight.
func (n *Node) Compacting() bool { return n.compacting.Load() }

// TrackSpill registers an in-flight spill. Rejects duplicates and
// overlapping ranges so the scheduler cannot double-spill a region, and
// rejects everything while the node is wedged.
func (n *Node) TrackSpill(s Spill) error {
	if err := n.trackSpill(s); err != nil {
		if m := n.tree.metrics; m != nil {
			m.SpillsRejected.Inc()
		}
		return err
	}
	if m := n.tree.metrics; m != nil {
		m.SpillsTracked.Inc()
	}
	return nil
}

func (n *Node) trackSpill(s Spill) error {
	n.spillsMu.Lock()
	defer n.spillsMu.Unlock()

	if n.spillsWedged {
		return common.ErrSpillsWedged
	}
	if len(n.spills) >= n.tree.params.MaxSpills {
		return common.ErrSpillLimit
	}
	for _, cur := range n.spills {
		if cur.ID == s.ID || cur.overlaps(s) {
			return common.ErrDuplicateSpill
		}
	}
	n.spills = append(n.spills, s)
	return nil
}

// UntrackSpill removes a tracked spill by ID. Unknown IDs are ignored.
func (n *Node) UntrackSpill(id uint64) {
	n.spillsMu.Lock()
	defer n.spillsMu.Unlock()
	for i, cur := range n.spills {
		if cur.ID == id {
			n.spills = append(n.spills[:i], n.spills[i+1:]...)
			return
		}
	}
}

// Spills returns a copy of the in-flight spill list.
func (n *Node) Spills() []Spill {
	n.spillsMu.Lock()
	defer n.spillsMu.Unlock()
	out := make([]Spill, len(n.spills))
	copy(out, n.spills)
	return out
}

// WedgeSpills blocks further spill tracking on the node until
// UnwedgeSpills. Used after a spill failure so the scheduler must
// resolve the failure before scheduling more.
func (n *Node) WedgeSpills() {
	n.spillsMu.Lock()
	n.spillsWedged = true
	n.spillsMu.Unlock()
}

// UnwedgeSpills re-enables spill tracking.
func (n *Node) UnwedgeSpills() {
	n.spillsMu.Lock()
	n.spillsWedged = false
	n.spillsMu.Unlock()
}

// SpillsWedged reports whether spill tracking is wedged.
func (n *Node) SpillsWedged() bool {
	n.spillsMu.Lock()
	defer n.spillsMu.Unlock()
	return n.spillsWedged
}

// SetSchedState stores the scheduler-owned opaque state slot.
func (n *Node) SetSchedState(v any) { n.sched.Store(&v) }

// SchedState returns the scheduler-owned state slot, nil if unset.
func (n *Node) SchedState() any {
	p := n.sched.Load()
	if p == nil {
		return nil
	}
	return *p
}

// attach links kv into the node's kvset list under the tree's write
// lock. front selects the newest end (ingest, spill arrivals); back the
// oldest end (compaction outputs replacing consumed inputs).
func (n *Node) attach(kv Kvset, front bool) error {
	e, err := n.tree.cache.Alloc()
	if err != nil {
		n.tree.nospace.Store(true)
		return err
	}
	n.attachEntry(e, kv, front)
	return nil
}

// attachEntry links an already reserved arena entry. Lets callers that
// must splice several kvsets atomically reserve every entry before
// touching any list.
func (n *Node) attachEntry(e *kle.Entry, kv Kvset, front bool) {
	e.Ref = kv
	if front {
		n.kvsets.PushFront(e)
	} else {
		n.kvsets.PushBack(e)
	}
	n.kvsetc.Add(1)
	n.accountAttach(kv)
}

// detachOldest unlinks and frees the count oldest entries, returning
// the kvsets they carried (oldest first). Caller holds the write lock.
func (n *Node) detachOldest(count int) []Kvset {
	out := make([]Kvset, 0, count)
	for i := 0; i < count; i++ {
		e := n.kvsets.Back()
		if e == nil {
			break
		}
		kv := e.Ref.(Kvset)
		n.kvsets.Remove(e)
		n.tree.cache.Free(e)
		n.kvsetc.Add(^uint32(0))
		n.accountDetach(kv)
		out = append(out, kv)
	}
	return out
}

func (n *Node) accountAttach(kv Kvset) {
	n.keys.Add(kv.Keys())
	n.tombs.Add(kv.Tombs())
	n.keyBytes.Add(kv.KeyBytes())
	n.valBytes.Add(kv.ValueBytes())

	total := n.keyBytes.Load() + n.valBytes.Load()
	for {
		max := n.sizeMax.Load()
		if total <= max || n.sizeMax.CompareAndSwap(max, total) {
			break
		}
	}
	for {
		max := n.biggest.Load()
		if kv.Keys() <= max || n.biggest.CompareAndSwap(max, kv.Keys()) {
			break
		}
	}
	for {
		max := n.dgen.Load()
		if kv.Dgen() <= max || n.dgen.CompareAndSwap(max, kv.Dgen()) {
			break
		}
	}

	n.tree.samp.add(n.loc.Level, n.IsLeaf(), int64(kvsetBytes(kv)))
	n.tree.kvsetc.Add(1)
}

func (n *Node) accountDetach(kv Kvset) {
	n.keys.Add(^(kv.Keys() - 1))
	n.tombs.Add(^(kv.Tombs() - 1))
	n.keyBytes.Add(^(kv.KeyBytes() - 1))
	n.valBytes.Add(^(kv.ValueBytes() - 1))

	n.tree.samp.add(n.loc.Level, n.IsLeaf(), -int64(kvsetBytes(kv)))
	n.tree.kvsetc.Add(^uint64(0))
}
