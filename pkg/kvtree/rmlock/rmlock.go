// Package rmlock provides a read-mostly lock: a reader/writer lock
// sharded across many buckets so that concurrent readers on different
// buckets never touch the same cache line. A reader acquires the shared
// side of exactly one bucket; a writer must acquire the exclusive side
// of every bucket, so while the write side is held no reader can be
// mid-traversal anywhere.
//
// The intended workload is a structure traversed on every lookup but
// structurally mutated rarely: readers pay one lock acquisition, writers
// pay one per bucket.
package rmlock

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/CVDpl/go-live-kvtree/internal/common"
)

// MaxBuckets bounds the bucket vector size at construction.
const MaxBuckets = 1024

// Token identifies the bucket a reader acquired, so that release
// targets the same bucket. The zero Token is not valid.
type Token struct {
	bkt uint32
	ok  bool
}

// bucket is one shard of the lock. The padding keeps adjacent buckets
// on separate cache lines so reader traffic does not false-share.
type bucket struct {
	lock  sync.RWMutex
	rdcnt atomic.Uint64 // cumulative read acquisitions, for spread diagnostics
	_     [64 - 24 - 8]byte
}

// RMLock is a read-mostly lock over a fixed vector of buckets.
type RMLock struct {
	// writer serializes structural writers against each other and is
	// set for the whole span of a write-side hold.
	writer atomic.Bool

	// next drives round-robin bucket selection for readers. Selection
	// only needs to be cheap and uniformly distributed; it does not
	// need to be deterministic per caller.
	next atomic.Uint32

	bktv []bucket
}

// New creates a read-mostly lock with the given number of buckets.
// A non-positive count selects the default (128).
func New(buckets int) *RMLock {
	if buckets <= 0 {
		buckets = common.DefaultLockBuckets
	}
	if buckets > MaxBuckets {
		buckets = MaxBuckets
	}
	return &RMLock{bktv: make([]bucket, buckets)}
}

// RLock acquires the shared side of one bucket and returns a token
// naming it. Blocks only if a writer holds (or is acquiring) that
// bucket.
func (l *RMLock) RLock() Token {
	idx := l.next.Add(1) % uint32(len(l.bktv))
	b := &l.bktv[idx]
	b.lock.RLock()
	b.rdcnt.Add(1)
	return Token{bkt: idx, ok: true}
}

// RUnlock releases the bucket named by the token. Releasing a zero or
// already-released token is a caller bug and panics via sync.RWMutex.
func (l *RMLock) RUnlock(t Token) {
	if !t.ok {
		panic("rmlock: RUnlock with invalid token")
	}
	l.bktv[t.bkt].lock.RUnlock()
}

// Lock acquires the write side: it claims the writer flag, then takes
// every bucket's exclusive lock in ascending order. On return no reader
// holds any bucket and none can acquire one until Unlock.
func (l *RMLock) Lock() {
	for !l.writer.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	for i := range l.bktv {
		l.bktv[i].lock.Lock()
	}
}

// Unlock releases every bucket in reverse order, then clears the
// writer flag.
func (l *RMLock) Unlock() {
	for i := len(l.bktv) - 1; i >= 0; i-- {
		l.bktv[i].lock.Unlock()
	}
	l.writer.Store(false)
}

// WriterActive reports whether a writer currently holds or is acquiring
// the write side. Advisory only; the answer may be stale by the time
// the caller acts on it.
func (l *RMLock) WriterActive() bool { return l.writer.Load() }

// Buckets returns the configured bucket count.
func (l *RMLock) Buckets() int { return len(l.bktv) }

// ReadCounts returns the cumulative per-bucket read acquisition counts.
// Used to verify the selector spreads readers evenly.
func (l *RMLock) ReadCounts() []uint64 {
	counts := make([]uint64, len(l.bktv))
	for i := range l.bktv {
		counts[i] = l.bktv[i].rdcnt.Load()
	}
	return counts
}
