// Package metrics exposes prometheus collectors for tree activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles the tree's prometheus metrics. A nil *Collector is
// accepted everywhere and records nothing.
type Collector struct {
	ReadAcquires  prometheus.Counter
	WriteAcquires prometheus.Counter

	NodesCreated   prometheus.Counter
	KvsetsAttached prometheus.Counter
	KvsetsRetired  prometheus.Counter

	CompactionsApplied   prometheus.Counter
	CompactionsCancelled prometheus.Counter
	CompactionSlices     prometheus.Counter
	SpillsTracked        prometheus.Counter
	SpillsRejected       prometheus.Counter

	RouterGeneration prometheus.Gauge
}

// NewCollector creates and registers the tree collectors. reg may be
// nil to skip registration (useful in tests).
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ReadAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_read_acquires_total",
			Help: "Read-side lock acquisitions",
		}),
		WriteAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_write_acquires_total",
			Help: "Write-side lock acquisitions",
		}),
		NodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_nodes_created_total",
			Help: "Tree nodes created",
		}),
		KvsetsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_kvsets_attached_total",
			Help: "Kvsets linked into node lists",
		}),
		KvsetsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_kvsets_retired_total",
			Help: "Kvsets unlinked after being superseded",
		}),
		CompactionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_compactions_applied_total",
			Help: "Compaction results spliced into the tree",
		}),
		CompactionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_compactions_cancelled_total",
			Help: "Compactions cancelled before applying",
		}),
		CompactionSlices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_compaction_slices_total",
			Help: "Incremental compaction work units reported",
		}),
		SpillsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_spills_tracked_total",
			Help: "Spills accepted into per-node tracking",
		}),
		SpillsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvtree_spills_rejected_total",
			Help: "Spills rejected as duplicate, overlapping or wedged",
		}),
		RouterGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvtree_router_generation",
			Help: "Committed hash router generation",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ReadAcquires, c.WriteAcquires, c.NodesCreated,
			c.KvsetsAttached, c.KvsetsRetired,
			c.CompactionsApplied, c.CompactionsCancelled, c.CompactionSlices,
			c.SpillsTracked, c.SpillsRejected, c.RouterGeneration,
		)
	}
	return c
}
