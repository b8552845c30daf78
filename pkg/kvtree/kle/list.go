package kle

// List is an intrusive doubly-linked list of arena entries. The head
// end is "front"; kvset lists keep the newest kvset at the front. All
// mutation must happen under the owning tree's write lock; traversal is
// safe under a read token because linked entries are never edited in
// place.
type List struct {
	head, tail *Entry
	n          int
}

// Len returns the number of linked entries.
func (l *List) Len() int { return l.n }

// Front returns the first (newest) entry, or nil when empty.
func (l *List) Front() *Entry { return l.head }

// Back returns the last (oldest) entry, or nil when empty.
func (l *List) Back() *Entry { return l.tail }

// Next returns the entry after e in its list, or nil at the back.
func (e *Entry) Next() *Entry { return e.next }

// Prev returns the entry before e in its list, or nil at the front.
func (e *Entry) Prev() *Entry { return e.prev }

// PushFront links e as the new first entry.
func (l *List) PushFront(e *Entry) {
	if e.list != nil {
		panic("kle: PushFront of already linked entry")
	}
	e.list = l
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.n++
}

// PushBack links e as the new last entry.
func (l *List) PushBack(e *Entry) {
	if e.list != nil {
		panic("kle: PushBack of already linked entry")
	}
	e.list = l
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.n++
}

// Remove unlinks e. The entry still carries its Ref and may be freed or
// relinked afterwards.
func (l *List) Remove(e *Entry) {
	if e.list != l {
		panic("kle: Remove of entry not in this list")
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.list = nil
	l.n--
}
