package crdt

import (
	"fmt"
	"hash/fnv"
)

// SeedSite is the synthetic site that owns characters loaded from text. The
// site is derived from the text itself: every process seeding the same text
// gets the same ids, and a seed id never names two different characters.
func SeedSite(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("~seed:%016x", h.Sum64())
}

// ID identifies one character operation: the site that created it and that
// site's clock at the time.
type ID struct {
	Site  string
	Clock int64
}

// head is the virtual element every document starts with.
var head = ID{}

func (id ID) IsHead() bool { return id == head }

func (id ID) String() string {
	if id.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s@%d", id.Site, id.Clock)
}

// before reports whether a sorts ahead of b among children of the same anchor.
// Newer clocks come first so a local insert lands directly after its anchor;
// equal clocks fall back to the site id.
func before(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Site < b.Site
}

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is a single character insertion or tombstone. For deletes ID names the
// target character and Anchor/Value are unused.
type Op struct {
	Kind   OpKind
	ID     ID
	Anchor ID
	Value  rune
}

// Update is a batch of operations exchanged between replicas. Full marks a
// complete state export.
type Update struct {
	Ops  []Op
	Full bool
}

func (u Update) Empty() bool { return len(u.Ops) == 0 }
