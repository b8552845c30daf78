// Package kle implements the kvset list entry cache: a page-granular
// arena for the entries that link kvsets into tree-node lists. Entries
// from one page share a single backing allocation, so walking a node's
// kvset list touches few distinct pages even after heavy churn.
package kle

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/CVDpl/go-live-kvtree/internal/common"
)

// minEntriesPerPage is the floor applied when deriving page capacity
// from the system page size.
const minEntriesPerPage = 16

// Entry carries one kvset reference plus the linkage needed to thread
// it into a node's kvset list. An entry is never mutated once linked;
// removal means unlinking it and returning it to its page.
type Entry struct {
	// Ref is the kvset reference carried by this entry. Opaque to the
	// cache; set once between Alloc and linking.
	Ref interface{}

	next, prev *Entry
	list       *List
	page       *page
}

// page groups entries into one backing allocation. The header tracks
// the page's free sub-list and allocation counters; entries holds the
// flat co-located storage.
type page struct {
	next    *page
	free    *Entry // singly linked through Entry.next
	nallocs uint64
	nfrees  uint64
	entries []Entry
}

func (p *page) live() uint64 { return p.nallocs - p.nfrees }

// Cache is the kvset list entry arena.
type Cache struct {
	mu sync.Mutex

	pages  *page // most recently added first
	npages int

	entriesPerPage int
	maxPages       int // 0 = unbounded

	nallocs uint64
	nfrees  uint64
}

// CacheStats is a point-in-time snapshot of arena bookkeeping.
type CacheStats struct {
	Pages  int
	Allocs uint64
	Frees  uint64
	Live   uint64
}

// New creates an entry cache. entriesPerPage <= 0 derives the capacity
// from the system page size so one page of entries occupies roughly one
// VM page. maxPages bounds total pages; 0 means unbounded.
func New(entriesPerPage, maxPages int) *Cache {
	if entriesPerPage <= 0 {
		hdr := int(unsafe.Sizeof(page{}))
		esz := int(unsafe.Sizeof(Entry{}))
		entriesPerPage = (unix.Getpagesize() - hdr) / esz
		if entriesPerPage < minEntriesPerPage {
			entriesPerPage = minEntriesPerPage
		}
	}
	return &Cache{entriesPerPage: entriesPerPage, maxPages: maxPages}
}

// Alloc returns a free entry, preferring the most recently added page
// with capacity. Fails with ErrAllocationFailure only when the page
// bound is reached.
func (c *Cache) Alloc() (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pg *page
	for p := c.pages; p != nil; p = p.next {
		if p.free != nil {
			pg = p
			break
		}
	}
	if pg == nil {
		if c.maxPages > 0 && c.npages >= c.maxPages {
			return nil, common.ErrAllocationFailure
		}
		pg = c.addPage()
	}

	e := pg.free
	pg.free = e.next
	e.next = nil
	pg.nallocs++
	c.nallocs++
	return e, nil
}

// Free returns an entry to its page's free sub-list. The entry must be
// unlinked from any list and is invalid to the caller afterwards.
func (c *Cache) Free(e *Entry) {
	if e.list != nil {
		panic("kle: Free of entry still linked into a list")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pg := e.page
	e.Ref = nil
	e.prev = nil
	e.next = pg.free
	pg.free = e
	pg.nfrees++
	c.nfrees++
}

// addPage links a fresh page at the head of the page list with all of
// its entries on the free sub-list. Caller holds c.mu.
func (c *Cache) addPage() *page {
	pg := &page{entries: make([]Entry, c.entriesPerPage)}
	for i := c.entriesPerPage - 1; i >= 0; i-- {
		e := &pg.entries[i]
		e.page = pg
		e.next = pg.free
		pg.free = e
	}
	pg.next = c.pages
	c.pages = pg
	c.npages++
	return pg
}

// Shrink releases pages with no live entries and returns how many were
// released. Release is deliberately not done on Free so that the
// alloc/free/alloc churn of a compaction does not thrash pages.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := 0
	pp := &c.pages
	for *pp != nil {
		p := *pp
		if p.live() == 0 {
			*pp = p.next
			c.npages--
			released++
			continue
		}
		pp = &p.next
	}
	return released
}

// Stats returns current arena counters. Live equals the number of
// entries handed out and not yet freed, which matches the entries
// currently linked into node kvset lists plus any in flight.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Pages:  c.npages,
		Allocs: c.nallocs,
		Frees:  c.nfrees,
		Live:   c.nallocs - c.nfrees,
	}
}

// EntriesPerPage returns the per-page entry capacity in use.
func (c *Cache) EntriesPerPage() int { return c.entriesPerPage }
