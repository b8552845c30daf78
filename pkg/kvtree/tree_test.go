package kvtree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CVDpl/go-live-kvtree/internal/common"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/metrics"
)

// testKvset is a minimal Kvset for exercising the tree.
type testKvset struct {
	id       uint64
	dgen     uint64
	keys     uint64
	tombs    uint64
	keyBytes uint64
	valBytes uint64
}

func (k *testKvset) ID() uint64         { return k.id }
func (k *testKvset) Dgen() uint64       { return k.dgen }
func (k *testKvset) Keys() uint64       { return k.keys }
func (k *testKvset) Tombs() uint64      { return k.tombs }
func (k *testKvset) KeyBytes() uint64   { return k.keyBytes }
func (k *testKvset) ValueBytes() uint64 { return k.valBytes }

func kvs(id, dgen uint64) *testKvset {
	return &testKvset{id: id, dgen: dgen, keys: 100, tombs: 3, keyBytes: 800, valBytes: 4000}
}

func newTestTree(t *testing.T, p Params) *Tree {
	t.Helper()
	tree, err := New(Config{Params: p})
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

// TestCreateAndFindNode covers the basic addressing scenario: with
// fanout 8 and depth 2, node (1,5) is creatable and findable, (1,6)
// stays absent.
func TestCreateAndFindNode(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})

	n, err := tree.CreateNode(1, 5)
	if err != nil {
		t.Fatalf("create (1,5): %v", err)
	}
	if got := tree.FindNode(Loc{1, 5}); got != n {
		t.Fatalf("find (1,5) returned %v, want created node", got)
	}
	if got := tree.FindNode(Loc{1, 6}); got != nil {
		t.Fatalf("find (1,6) returned %v, want nil", got)
	}
	// Locations beyond the depth limit are never findable.
	if got := tree.FindNode(Loc{3, 0}); got != nil {
		t.Fatalf("find (3,0) beyond depth_max returned %v, want nil", got)
	}
	if n.Loc() != (Loc{1, 5}) || n.Level() != 1 {
		t.Fatalf("node loc %v", n.Loc())
	}
	if n.Parent() != tree.Root() {
		t.Fatal("parent of level-1 node is not the root")
	}
}

// TestCreateNodeDeep checks multi-level creation and descent.
func TestCreateNodeDeep(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 2, DepthMax: 3})

	// (2,13) requires parent (1,3).
	if _, err := tree.CreateNode(1, 3); err != nil {
		t.Fatalf("create (1,3): %v", err)
	}
	n, err := tree.CreateNode(2, 13)
	if err != nil {
		t.Fatalf("create (2,13): %v", err)
	}
	if got := tree.FindNode(Loc{2, 13}); got != n {
		t.Fatal("find (2,13) mismatch")
	}
	if n.Parent().Loc() != (Loc{1, 3}) {
		t.Fatalf("parent loc %v, want (1,3)", n.Parent().Loc())
	}
	if tree.Stats().MaxLevel != 2 {
		t.Fatalf("max level %d", tree.Stats().MaxLevel)
	}
}

// TestCreateNodeErrors covers the error contract.
func TestCreateNodeErrors(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})

	if _, err := tree.CreateNode(3, 0); !errors.Is(err, common.ErrInvalidLocation) {
		t.Fatalf("level beyond depth: %v", err)
	}
	if _, err := tree.CreateNode(0, 0); !errors.Is(err, common.ErrInvalidLocation) {
		t.Fatalf("root creation: %v", err)
	}
	if _, err := tree.CreateNode(1, 8); !errors.Is(err, common.ErrInvalidLocation) {
		t.Fatalf("offset beyond fanout^level: %v", err)
	}
	if _, err := tree.CreateNode(2, 20); !errors.Is(err, common.ErrParentMissing) {
		t.Fatalf("missing parent: %v", err)
	}
}

// TestCreateNodeIdempotent checks re-creating an existing location
// returns the same node.
func TestCreateNodeIdempotent(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})
	a, err := tree.CreateNode(1, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := tree.CreateNode(1, 2)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if a != b {
		t.Fatal("recreate returned a different node")
	}
	if tree.Stats().LeafNodes != 1 {
		t.Fatalf("leaf count %d after idempotent create", tree.Stats().LeafNodes)
	}
}

// TestTopologyQueries checks IsRoot/IsLeaf/Level transitions as nodes
// gain children.
func TestTopologyQueries(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 1, DepthMax: 3})

	root := tree.Root()
	if !root.IsRoot() || !root.IsLeaf() || root.Level() != 0 {
		t.Fatal("fresh root should be a leaf at level 0")
	}

	n1, _ := tree.CreateNode(1, 0)
	if root.IsLeaf() {
		t.Fatal("root still a leaf after gaining a child")
	}
	if n1.IsRoot() || !n1.IsLeaf() {
		t.Fatal("level-1 node misclassified")
	}

	if _, err := tree.CreateNode(2, 1); err != nil {
		t.Fatalf("create (2,1): %v", err)
	}
	if n1.IsLeaf() {
		t.Fatal("level-1 node still a leaf after gaining a child")
	}

	st := tree.Stats()
	if st.InternalNodes != 1 || st.LeafNodes != 1 {
		t.Fatalf("node counts internal=%d leaf=%d, want 1/1", st.InternalNodes, st.LeafNodes)
	}
}

// TestIngestAccounting checks ingest links at the front of the root
// list and stats aggregate.
func TestIngestAccounting(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})

	for i := uint64(1); i <= 5; i++ {
		if err := tree.AddIngest(kvs(i, i)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	root := tree.Root()
	if root.KvsetCount() != 5 {
		t.Fatalf("kvset count %d", root.KvsetCount())
	}

	// Newest first.
	tok := tree.ReadAcquire()
	want := uint64(5)
	root.Kvsets(func(kv Kvset) bool {
		if kv.ID() != want {
			t.Fatalf("list order: got id %d want %d", kv.ID(), want)
		}
		want--
		return true
	})
	tree.ReadRelease(tok)

	ns := root.StatsGet()
	if ns.Keys != 500 || ns.Tombs != 15 {
		t.Fatalf("node stats keys=%d tombs=%d", ns.Keys, ns.Tombs)
	}
	if ns.Dgen != 5 {
		t.Fatalf("node dgen %d", ns.Dgen)
	}

	st := tree.Stats()
	if st.Kvsets != 5 {
		t.Fatalf("tree kvsets %d", st.Kvsets)
	}
	if st.Samp.RootBytes != 5*4800 {
		t.Fatalf("root sample bytes %d", st.Samp.RootBytes)
	}
	if st.Entries.Live != 5 {
		t.Fatalf("arena live %d", st.Entries.Live)
	}
}

// TestLastTombSlot covers the capped-collection tombstone slot.
func TestLastTombSlot(t *testing.T) {
	plain := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})
	if err := plain.SetLastTomb(9, []byte("p")); err != nil {
		t.Fatalf("set on non-capped: %v", err)
	}
	if _, _, ok := plain.LastTomb(); ok {
		t.Fatal("non-capped tree reported a tombstone")
	}

	capped := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2, Capped: true})
	if _, _, ok := capped.LastTomb(); ok {
		t.Fatal("fresh capped tree reported a tombstone")
	}
	if err := capped.SetLastTomb(7, []byte("pfx-a")); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Older sequence numbers must not regress the slot.
	if err := capped.SetLastTomb(3, []byte("pfx-old")); err != nil {
		t.Fatalf("set older: %v", err)
	}
	seq, pfx, ok := capped.LastTomb()
	if !ok || seq != 7 || string(pfx) != "pfx-a" {
		t.Fatalf("last tomb seq=%d pfx=%q ok=%v", seq, pfx, ok)
	}

	long := make([]byte, common.MaxPrefixLen+1)
	if err := capped.SetLastTomb(8, long); !errors.Is(err, common.ErrPrefixTooLong) {
		t.Fatalf("oversized prefix: %v", err)
	}
}

// TestSchedStateOpaque checks the tree stores and returns scheduler
// state without interpreting it.
func TestSchedStateOpaque(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2})

	if tree.SchedState() != nil {
		t.Fatal("fresh tree has sched state")
	}
	type schedBlob struct{ score float64 }
	tree.SetSchedState(&schedBlob{score: 1.5})
	if got := tree.SchedState().(*schedBlob); got.score != 1.5 {
		t.Fatalf("tree sched state %v", got)
	}

	n, _ := tree.CreateNode(1, 0)
	n.SetSchedState("node-state")
	if got := n.SchedState().(string); got != "node-state" {
		t.Fatalf("node sched state %q", got)
	}
}

// TestCloseReleasesEntries checks teardown frees every list entry back
// to the arena.
func TestCloseReleasesEntries(t *testing.T) {
	tree, err := New(Config{Params: Params{FanoutBits: 3, DepthMax: 2}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := uint64(1); i <= 20; i++ {
		if err := tree.AddIngest(kvs(i, i)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tree.Close(); !errors.Is(err, common.ErrClosed) {
		t.Fatalf("double close: %v", err)
	}
	if err := tree.AddIngest(kvs(99, 99)); !errors.Is(err, common.ErrClosed) {
		t.Fatalf("ingest after close: %v", err)
	}
}

// TestMetricsWiring checks the tree feeds its collectors: node
// creation, and both outcomes of spill tracking.
func TestMetricsWiring(t *testing.T) {
	col := metrics.NewCollector(nil)
	tree, err := New(Config{Params: Params{FanoutBits: 3, DepthMax: 2}, Metrics: col})
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	t.Cleanup(func() { tree.Close() })

	if _, err := tree.CreateNode(1, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := testutil.ToFloat64(col.NodesCreated); got != 1 {
		t.Fatalf("nodes created metric %v, want 1", got)
	}

	node := tree.Root()
	if err := node.TrackSpill(Spill{ID: 1, DgenLo: 1, DgenHi: 5}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := node.TrackSpill(Spill{ID: 2, DgenLo: 3, DgenHi: 8}); !errors.Is(err, common.ErrDuplicateSpill) {
		t.Fatalf("overlap: %v", err)
	}
	if got := testutil.ToFloat64(col.SpillsTracked); got != 1 {
		t.Fatalf("spills tracked metric %v, want 1", got)
	}
	if got := testutil.ToFloat64(col.SpillsRejected); got != 1 {
		t.Fatalf("spills rejected metric %v, want 1", got)
	}
}

// TestRouteDefault checks fresh trees route everything to child 0 at
// generation 0, stably per prefix.
func TestRouteDefault(t *testing.T) {
	tree := newTestTree(t, Params{FanoutBits: 3, DepthMax: 2, PrefixLen: 4})

	for i := 0; i < 32; i++ {
		key := []byte(fmt.Sprintf("pref%04d", i))
		child, gen, err := tree.Route(key)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if child != 0 || gen != 0 {
			t.Fatalf("route(%q) = child %d gen %d", key, child, gen)
		}
	}
}
