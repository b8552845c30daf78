package kvtree

// Journal is the narrow interface through which the tree reports
// structural mutations for crash recovery. Record encoding and
// durability are entirely the collaborator's concern; the tree only
// guarantees it reports every node creation and list splice, with the
// node's location and data-generation watermark, while still holding
// the write lock.
type Journal interface {
	NodeCreated(loc Loc, dgen uint64) error
	ListSpliced(loc Loc, dgen uint64) error
}

// NullJournal records nothing.
type NullJournal struct{}

func (NullJournal) NodeCreated(loc Loc, dgen uint64) error { return nil }
func (NullJournal) ListSpliced(loc Loc, dgen uint64) error { return nil }
