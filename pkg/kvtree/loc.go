package kvtree

import "fmt"

// Loc is the stable address of a tree node: its level (0 = root) and
// its offset among all possible nodes of that level, left to right.
// A node's Loc is assigned at creation and never changes, so external
// bookkeeping (scheduler state, journal records) can refer to nodes by
// Loc without holding references across lock scopes.
type Loc struct {
	Level  uint32
	Offset uint32
}

// RootLoc is the location of every tree's root node.
var RootLoc = Loc{}

func (l Loc) String() string {
	return fmt.Sprintf("(%d,%d)", l.Level, l.Offset)
}

// ChildLoc returns the location of the idx'th child of l for a tree
// with the given fanout bits.
func (l Loc) ChildLoc(fanoutBits, idx uint32) Loc {
	return Loc{Level: l.Level + 1, Offset: l.Offset<<fanoutBits | idx}
}

// ParentLoc returns the location of l's parent. Calling it on the root
// returns the root itself.
func (l Loc) ParentLoc(fanoutBits uint32) Loc {
	if l.Level == 0 {
		return l
	}
	return Loc{Level: l.Level - 1, Offset: l.Offset >> fanoutBits}
}

// childAt returns the child index to follow at the given level (1-based
// along the path) when descending from the root toward l.
func (l Loc) childAt(level, fanoutBits, fanoutMask uint32) uint32 {
	shift := fanoutBits * (l.Level - level)
	return (l.Offset >> shift) & fanoutMask
}
