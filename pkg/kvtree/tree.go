// Package kvtree implements the in-memory node tree at the core of a
// log-structured merge store: a k-ary tree whose nodes each own an
// ordered, newest-first list of immutable kvsets, protected by a
// read-mostly lock so lookups stay cheap while rare structural changes
// (node creation, kvset-list splices) exclude all readers tree-wide.
//
// Durable encoding, the metadata journal, compaction policy and kvset
// storage are external collaborators reached through narrow interfaces.
package kvtree

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CVDpl/go-live-kvtree/internal/common"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/kle"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/metrics"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/rmlock"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/router"
)

// Config carries everything needed to open a tree. Only Params is
// required; nil collaborators get null implementations.
type Config struct {
	Params  Params
	Logger  common.Logger
	Journal Journal
	Metrics *metrics.Collector

	// DgenInit is the data-generation watermark recovered from the
	// journal at open; fresh trees start at 0.
	DgenInit uint64
}

// Tree owns the root node, the read-mostly lock, the hash router and
// tree-wide bookkeeping. The root is created with the tree and never
// replaced, only mutated in place.
type Tree struct {
	root *Node

	fanoutBits uint32
	fanoutMask uint32
	depthMax   uint32
	pfxLen     int

	lock   *rmlock.RMLock
	router *router.Router
	cache  *kle.Cache

	params  Params
	logger  common.Logger
	journal Journal
	metrics *metrics.Collector

	dgenInit uint64

	iNodec atomic.Uint32 // internal node count
	lNodec atomic.Uint32 // leaf node count
	lvlMax atomic.Uint32 // deepest created level
	kvsetc atomic.Uint64
	samp   sampCounters

	// nospace is sticky: set when an allocation fails for lack of
	// space, cleared only by the caller once space is recovered.
	nospace atomic.Bool

	// Last-tombstone slot, used only by capped collections.
	capped  bool
	tombMu  sync.Mutex
	tombSeq uint64
	tomb    []byte

	sched  atomic.Pointer[any]
	closed atomic.Bool
}

// New opens a tree with the given configuration. The root node exists
// on return.
func New(cfg Config) (*Tree, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = common.NewNullLogger()
	}
	journal := cfg.Journal
	if journal == nil {
		journal = NullJournal{}
	}

	t := &Tree{
		fanoutBits: cfg.Params.FanoutBits,
		fanoutMask: cfg.Params.Fanout() - 1,
		depthMax:   cfg.Params.DepthMax,
		pfxLen:     cfg.Params.PrefixLen,
		lock:       rmlock.New(cfg.Params.LockBuckets),
		router:     router.New(),
		cache:      kle.New(cfg.Params.EntriesPerPage, cfg.Params.MaxPages),
		params:     cfg.Params,
		logger:     logger,
		journal:    journal,
		metrics:    cfg.Metrics,
		dgenInit:   cfg.DgenInit,
		capped:     cfg.Params.Capped,
	}
	t.root = newNode(t, RootLoc, nil)

	if err := journal.NodeCreated(RootLoc, cfg.DgenInit); err != nil {
		return nil, fmt.Errorf("journal root: %w", err)
	}
	logger.Info("tree opened",
		"fanout", cfg.Params.Fanout(),
		"depth_max", cfg.Params.DepthMax,
		"lock_buckets", cfg.Params.LockBuckets)
	return t, nil
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Fanout returns the per-node fanout.
func (t *Tree) Fanout() uint32 { return t.fanoutMask + 1 }

// DepthMax returns the configured depth limit.
func (t *Tree) DepthMax() uint32 { return t.depthMax }

// DgenInit returns the data-generation watermark the tree opened with.
func (t *Tree) DgenInit() uint64 { return t.dgenInit }

// ReadAcquire takes a read token. Every lookup or scan brackets its
// traversal with ReadAcquire/ReadRelease; acquisition may block only
// while a structural write is in flight.
func (t *Tree) ReadAcquire() rmlock.Token {
	if t.metrics != nil {
		t.metrics.ReadAcquires.Inc()
	}
	return t.lock.RLock()
}

// ReadRelease returns a read token.
func (t *Tree) ReadRelease(tok rmlock.Token) { t.lock.RUnlock(tok) }

// WriteAcquire takes the write side, excluding every reader tree-wide.
// Held only for bounded in-memory mutation.
func (t *Tree) WriteAcquire() {
	if t.metrics != nil {
		t.metrics.WriteAcquires.Inc()
	}
	t.lock.Lock()
}

// WriteRelease drops the write side.
func (t *Tree) WriteRelease() { t.lock.Unlock() }

// validLoc reports whether loc is inside the configured bounds.
func (t *Tree) validLoc(loc Loc) bool {
	if loc.Level > t.depthMax {
		return false
	}
	width := loc.Level * t.fanoutBits
	if width >= 32 {
		return true // offset space exceeds uint32, any offset fits
	}
	return loc.Offset < 1<<width
}

// FindNode maps a location to the live node at that position, or nil if
// the position has not been created or lies outside the configured
// bounds. Read-only; callers normally hold a read token so the descent
// cannot race node creation.
func (t *Tree) FindNode(loc Loc) *Node {
	if t.closed.Load() || !t.validLoc(loc) {
		return nil
	}
	n := t.root
	for lvl := uint32(1); lvl <= loc.Level; lvl++ {
		n = n.childv[loc.childAt(lvl, t.fanoutBits, t.fanoutMask)]
		if n == nil {
			return nil
		}
	}
	return n
}

// CreateNode materializes the node at (level, offset), linking it under
// its parent. Nodes are created top-down only: the parent must already
// exist. Takes the write lock for the duration. Creating an existing
// node returns it unchanged.
func (t *Tree) CreateNode(level, offset uint32) (*Node, error) {
	t.WriteAcquire()
	defer t.WriteRelease()
	return t.createNodeLocked(level, offset)
}

// createNodeLocked is CreateNode minus locking, for callers already
// holding the write lock.
func (t *Tree) createNodeLocked(level, offset uint32) (*Node, error) {
	if t.closed.Load() {
		return nil, common.ErrClosed
	}
	loc := Loc{Level: level, Offset: offset}
	if level == 0 || !t.validLoc(loc) {
		return nil, fmt.Errorf("create node %s: %w", loc, common.ErrInvalidLocation)
	}

	parent := t.FindNode(loc.ParentLoc(t.fanoutBits))
	if parent == nil {
		return nil, fmt.Errorf("create node %s: %w", loc, common.ErrParentMissing)
	}

	idx := offset & t.fanoutMask
	if existing := parent.childv[idx]; existing != nil {
		return existing, nil
	}

	n := newNode(t, loc, parent)
	parent.childv[idx] = n
	if parent.childc.Add(1) == 1 && !parent.IsRoot() {
		// Parent just stopped being a leaf.
		t.iNodec.Add(1)
		t.lNodec.Add(^uint32(0))
	}
	t.lNodec.Add(1)
	for {
		max := t.lvlMax.Load()
		if level <= max || t.lvlMax.CompareAndSwap(max, level) {
			break
		}
	}

	if err := t.journal.NodeCreated(loc, t.dgenInit); err != nil {
		// The node stays linked; the journal collaborator owns retry.
		t.logger.Error("journal node create failed", "loc", loc.String(), "error", err)
	}
	if t.metrics != nil {
		t.metrics.NodesCreated.Inc()
	}
	t.logger.Debug("node created", "loc", loc.String())
	return n, nil
}

// AddIngest makes a freshly ingested kvset visible at the front of the
// root's kvset list.
func (t *Tree) AddIngest(kv Kvset) error {
	if t.closed.Load() {
		return common.ErrClosed
	}
	t.WriteAcquire()
	defer t.WriteRelease()

	if err := t.root.attach(kv, true); err != nil {
		return fmt.Errorf("ingest kvset %d: %w", kv.ID(), err)
	}
	if t.metrics != nil {
		t.metrics.KvsetsAttached.Inc()
	}
	if err := t.journal.ListSpliced(RootLoc, t.root.Dgen()); err != nil {
		t.logger.Error("journal ingest failed", "error", err)
	}
	return nil
}

// Route maps a key to the child index its spill/scan traffic belongs
// to, hashing the configured key prefix. Lock-free; safe on the read
// path. The returned generation identifies the routing version used.
func (t *Tree) Route(key []byte) (child, gen uint32, err error) {
	child, gen, err = t.router.Route(router.PrefixHash(key, t.pfxLen))
	if err != nil {
		// Generation protocol violation: shared state is corrupt.
		t.logger.Error("hash router inconsistent", "gen", gen)
	}
	return child, gen, err
}

// RouterGen returns the committed routing generation.
func (t *Tree) RouterGen() uint32 { return t.router.Gen() }

// NoSpace reports the sticky no-space flag.
func (t *Tree) NoSpace() bool { return t.nospace.Load() }

// SetNoSpace sets or clears the no-space flag.
func (t *Tree) SetNoSpace(v bool) { t.nospace.Store(v) }

// SetLastTomb records the newest trailing tombstone of a capped
// collection: its sequence number and bounded key prefix. Updates with
// a lower sequence number than the recorded one are ignored.
func (t *Tree) SetLastTomb(seq uint64, pfx []byte) error {
	if !t.capped {
		return nil
	}
	if len(pfx) > common.MaxPrefixLen {
		return fmt.Errorf("last tombstone: %w", common.ErrPrefixTooLong)
	}
	t.tombMu.Lock()
	defer t.tombMu.Unlock()
	if seq < t.tombSeq {
		return nil
	}
	t.tombSeq = seq
	t.tomb = append(t.tomb[:0], pfx...)
	return nil
}

// LastTomb returns the recorded trailing tombstone. ok is false for
// non-capped trees and before the first SetLastTomb.
func (t *Tree) LastTomb() (seq uint64, pfx []byte, ok bool) {
	if !t.capped {
		return 0, nil, false
	}
	t.tombMu.Lock()
	defer t.tombMu.Unlock()
	if t.tombSeq == 0 && len(t.tomb) == 0 {
		return 0, nil, false
	}
	out := make([]byte, len(t.tomb))
	copy(out, t.tomb)
	return t.tombSeq, out, true
}

// SetSchedState stores the scheduler-owned opaque state for the tree.
func (t *Tree) SetSchedState(v any) { t.sched.Store(&v) }

// SchedState returns the scheduler-owned tree state, nil if unset.
func (t *Tree) SchedState() any {
	p := t.sched.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Stats returns a best-effort snapshot of tree-wide bookkeeping.
func (t *Tree) Stats() TreeStats {
	return TreeStats{
		InternalNodes: t.iNodec.Load(),
		LeafNodes:     t.lNodec.Load(),
		MaxLevel:      t.lvlMax.Load(),
		Kvsets:        t.kvsetc.Load(),
		Samp:          t.samp.snapshot(),
		RouterGen:     t.router.Gen(),
		NoSpace:       t.nospace.Load(),
		Entries:       t.cache.Stats(),
	}
}

// Walk visits every created node top-down (parent before children),
// stopping when fn returns false. The caller must hold a read token or
// the write lock.
func (t *Tree) Walk(fn func(*Node) bool) {
	t.walkFrom(t.root, fn)
}

func (t *Tree) walkFrom(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.childv {
		if c != nil && !t.walkFrom(c, fn) {
			return false
		}
	}
	return true
}

// Close tears the tree down: unlinks every kvset list entry, returns
// the entries to the arena and releases empty pages. Individual nodes
// are never destroyed outside of this whole-tree teardown.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	t.walkFrom(t.root, func(n *Node) bool {
		n.detachOldest(int(n.kvsetc.Load()))
		return true
	})
	released := t.cache.Shrink()
	t.logger.Info("tree closed", "pages_released", released)
	return nil
}
