package kvtree

import (
	"sync/atomic"

	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/kle"
)

// NodeStats is a best-effort snapshot of one node's sample statistics.
// Fields are read individually from atomic counters, so the snapshot is
// not required to be consistent across fields; it guides compaction
// scoring, nothing else.
type NodeStats struct {
	KvsetCount uint32

	Keys  uint64
	Tombs uint64

	KeyBytes   uint64
	ValueBytes uint64

	// UniqueKeys is the probabilistic cardinality estimate of keys
	// observed at this node.
	UniqueKeys uint64

	// SizeMax is the high-water mark of total bytes linked at this
	// node; BiggestKvsetKeys the key count of the largest kvset ever
	// linked.
	SizeMax          uint64
	BiggestKvsetKeys uint64

	// Dgen is the newest data-generation watermark seen at this node.
	Dgen uint64
}

// SampStats aggregates stored-byte accounting by node class, used by
// the external compaction policy to estimate space amplification.
type SampStats struct {
	RootBytes     int64
	InternalBytes int64
	LeafBytes     int64
}

// TreeStats is a best-effort snapshot of tree-wide bookkeeping. Node
// counts exclude the root, which is its own class.
type TreeStats struct {
	InternalNodes uint32
	LeafNodes     uint32
	MaxLevel      uint32

	Kvsets uint64
	Samp   SampStats

	RouterGen uint32
	NoSpace   bool

	Entries kle.CacheStats
}

// sampCounters is the atomic backing for SampStats.
type sampCounters struct {
	root     atomic.Int64
	internal atomic.Int64
	leaf     atomic.Int64
}

func (s *sampCounters) add(level uint32, isLeaf bool, delta int64) {
	switch {
	case level == 0:
		s.root.Add(delta)
	case isLeaf:
		s.leaf.Add(delta)
	default:
		s.internal.Add(delta)
	}
}

func (s *sampCounters) snapshot() SampStats {
	return SampStats{
		RootBytes:     s.root.Load(),
		InternalBytes: s.internal.Load(),
		LeafBytes:     s.leaf.Load(),
	}
}
