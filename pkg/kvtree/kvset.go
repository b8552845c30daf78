package kvtree

// Kvset is the tree's view of one immutable, sorted key-value batch.
// The tree never looks inside a kvset; it only links kvsets into node
// lists and aggregates their stats. Durable encoding and iteration
// belong to the collaborators that produce and consume kvsets.
type Kvset interface {
	// ID uniquely identifies the kvset for the life of the tree.
	ID() uint64

	// Dgen is the data-generation watermark of the newest data in the
	// kvset. Higher means newer.
	Dgen() uint64

	// Keys returns the number of keys, Tombs the number of tombstones
	// among them.
	Keys() uint64
	Tombs() uint64

	// KeyBytes and ValueBytes are the stored sizes used for sample
	// statistics.
	KeyBytes() uint64
	ValueBytes() uint64
}

func kvsetBytes(kv Kvset) uint64 { return kv.KeyBytes() + kv.ValueBytes() }
