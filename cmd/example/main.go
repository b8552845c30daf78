package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/CVDpl/go-live-kvtree/pkg/kvtree"
	"github.com/CVDpl/go-live-kvtree/pkg/kvtree/metrics"
)

// batch is a stand-in kvset: in a real store these are produced by
// ingest and compaction and live in external storage.
type batch struct {
	id, dgen uint64
	keys     uint64
	bytes    uint64
}

func (b *batch) ID() uint64         { return b.id }
func (b *batch) Dgen() uint64       { return b.dgen }
func (b *batch) Keys() uint64       { return b.keys }
func (b *batch) Tombs() uint64      { return 0 }
func (b *batch) KeyBytes() uint64   { return b.bytes / 4 }
func (b *batch) ValueBytes() uint64 { return b.bytes - b.bytes/4 }

func main() {
	paramsPath := flag.String("params", "", "optional YAML params file")
	duration := flag.Duration("duration", 3*time.Second, "how long to run the read/write mix")
	readers := flag.Int("readers", 8, "concurrent reader goroutines")
	flag.Parse()

	params := kvtree.DefaultParams()
	if *paramsPath != "" {
		var err error
		if params, err = kvtree.LoadParams(*paramsPath); err != nil {
			log.Fatalf("load params: %v", err)
		}
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	defer zl.Sync()

	reg := prometheus.NewRegistry()
	tree, err := kvtree.New(kvtree.Config{
		Params:  params,
		Logger:  kvtree.NewZapLogger(zl),
		Metrics: metrics.NewCollector(reg),
	})
	if err != nil {
		log.Fatalf("open tree: %v", err)
	}
	defer tree.Close()

	fmt.Printf("kvtree example: fanout=%d depth_max=%d readers=%d\n",
		tree.Fanout(), tree.DepthMax(), *readers)

	// Seed the root with some kvsets.
	var nextID, nextDgen atomic.Uint64
	for i := 0; i < 32; i++ {
		b := &batch{id: nextID.Add(1), dgen: nextDgen.Add(1), keys: 1000, bytes: 1 << 20}
		if err := tree.AddIngest(b); err != nil {
			log.Fatalf("ingest: %v", err)
		}
	}

	var traversals, spliced atomic.Uint64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers: every traversal brackets with a read token.
	for i := 0; i < *readers; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			key := make([]byte, 16)
			for {
				select {
				case <-stop:
					return
				default:
				}
				tok := tree.ReadAcquire()
				seed = seed*6364136223846793005 + 1442695040888963407
				for i := range key {
					key[i] = byte(seed >> (uint(i) % 8 * 8))
				}
				if _, _, err := tree.Route(key); err != nil {
					log.Fatalf("route: %v", err)
				}
				tree.Root().Kvsets(func(kvtree.Kvset) bool { return true })
				tree.ReadRelease(tok)
				traversals.Add(1)
			}
		}(uint64(i + 1))
	}

	// Writer: alternate ingest and in-node compaction splices.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			b := &batch{id: nextID.Add(1), dgen: nextDgen.Add(1), keys: 1000, bytes: 1 << 20}
			if err := tree.AddIngest(b); err != nil {
				log.Fatalf("ingest: %v", err)
			}

			root := tree.Root()
			if root.KvsetCount() < 8 {
				continue
			}
			if err := root.BeginCompaction(); err != nil {
				continue
			}

			// The output carries the newest dgen among the four
			// oldest kvsets it replaces.
			var dgens []uint64
			tok := tree.ReadAcquire()
			root.Kvsets(func(kv kvtree.Kvset) bool {
				dgens = append(dgens, kv.Dgen())
				return true
			})
			tree.ReadRelease(tok)
			outDgen := dgens[len(dgens)-4]

			w := &kvtree.Work{
				ID:         nextID.Add(1),
				Loc:        kvtree.RootLoc,
				InputCount: 4,
				Outputs: []kvtree.Placement{{
					Loc:   kvtree.RootLoc,
					Kvset: &batch{id: nextID.Add(1), dgen: outDgen, keys: 3000, bytes: 3 << 20},
				}},
			}
			if err := tree.ApplyCompaction(w); err != nil {
				log.Fatalf("apply compaction: %v", err)
			}
			spliced.Add(1)
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	st := tree.Stats()
	fmt.Printf("\ntraversals: %d\nsplices:    %d\n", traversals.Load(), spliced.Load())
	fmt.Printf("kvsets:     %d (arena live %d, pages %d)\n",
		st.Kvsets, st.Entries.Live, st.Entries.Pages)
	fmt.Printf("nodes:      %d internal, %d leaf, max level %d\n",
		st.InternalNodes, st.LeafNodes, st.MaxLevel)
	fmt.Printf("samp bytes: root=%d internal=%d leaf=%d\n",
		st.Samp.RootBytes, st.Samp.InternalBytes, st.Samp.LeafBytes)
}
