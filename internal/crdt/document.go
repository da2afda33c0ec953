// Package crdt implements the replicated text document shared by every
// process hosting a room.
//
// The document is a replicated growable array: each character is an element
// identified by (site, clock) and anchored after the element it was typed
// behind. Siblings of the same anchor are ordered by id, deletes leave
// tombstones, and operations whose anchor has not arrived yet are buffered.
// Any two replicas that saw the same set of operations materialize the same
// text, whatever order and however many times the operations were delivered.
//
// A Document is not safe for concurrent use; the room that owns it serializes
// access.
package crdt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPendingAge is how many Apply calls a buffered operation may wait
// for its anchor before it is dropped and a ReplicationGapError is reported.
const DefaultMaxPendingAge = 32

type element struct {
	id      ID
	anchor  ID
	value   rune
	deleted bool
}

type pendingBucket struct {
	inserts []Op
	deletes []Op
	age     int
}

type Document struct {
	roomID string
	site   string
	clock  int64

	elems    map[ID]*element
	children map[ID][]ID
	log      []ID // integration order, anchors always precede dependents
	pending  map[ID]*pendingBucket

	visible []ID
	dirty   bool
	version uint64

	maxPendingAge int
}

// New returns an empty document whose local edits are tagged with site.
func New(roomID, site string) *Document {
	return &Document{
		roomID:        roomID,
		site:          site,
		elems:         make(map[ID]*element),
		children:      make(map[ID][]ID),
		pending:       make(map[ID]*pendingBucket),
		maxPendingAge: DefaultMaxPendingAge,
	}
}

// NewFromText seeds a document with stored text. The seeded characters belong
// to SeedSite(text) with clocks 1..n, so independent processes seeding the
// same text produce identical elements.
func NewFromText(roomID, site, text string) *Document {
	d := New(roomID, site)
	seed := SeedSite(text)
	anchor := head
	var clock int64
	for _, r := range text {
		clock++
		id := ID{Site: seed, Clock: clock}
		d.integrate(Op{Kind: OpInsert, ID: id, Anchor: anchor, Value: r})
		anchor = id
	}
	return d
}

// SetMaxPendingAge overrides DefaultMaxPendingAge.
func (d *Document) SetMaxPendingAge(n int) {
	if n > 0 {
		d.maxPendingAge = n
	}
}

func (d *Document) RoomID() string { return d.roomID }

// Version counts state changes: integrated inserts and newly applied deletes.
func (d *Document) Version() uint64 { return d.version }

func (d *Document) Site() string   { return d.site }
func (d *Document) Clock() int64   { return d.clock }

// Len is the number of visible characters.
func (d *Document) Len() int {
	d.linearize()
	return len(d.visible)
}

// Pending is the number of operations still waiting for an anchor.
func (d *Document) Pending() int {
	n := 0
	for _, b := range d.pending {
		n += len(b.inserts) + len(b.deletes)
	}
	return n
}

func (d *Document) Materialize() string {
	d.linearize()
	var b strings.Builder
	b.Grow(len(d.visible))
	for _, id := range d.visible {
		b.WriteRune(d.elems[id].value)
	}
	return b.String()
}

// Insert types text at visible rune position pos and returns the new operations.
func (d *Document) Insert(pos int, text string) (Update, error) {
	d.linearize()
	if pos < 0 || pos > len(d.visible) {
		return Update{}, fmt.Errorf("insert at %d of %d: %w", pos, len(d.visible), ErrOutOfRange)
	}
	anchor := head
	if pos > 0 {
		anchor = d.visible[pos-1]
	}
	var u Update
	for _, r := range text {
		d.clock++
		op := Op{Kind: OpInsert, ID: ID{Site: d.site, Clock: d.clock}, Anchor: anchor, Value: r}
		d.integrate(op)
		u.Ops = append(u.Ops, op)
		anchor = op.ID
	}
	return u, nil
}

// Delete tombstones length visible runes starting at pos.
func (d *Document) Delete(pos, length int) (Update, error) {
	d.linearize()
	if pos < 0 || length < 0 || pos+length > len(d.visible) {
		return Update{}, fmt.Errorf("delete %d+%d of %d: %w", pos, length, len(d.visible), ErrOutOfRange)
	}
	targets := make([]ID, length)
	copy(targets, d.visible[pos:pos+length])
	var u Update
	for _, id := range targets {
		op := Op{Kind: OpDelete, ID: id}
		d.integrate(op)
		u.Ops = append(u.Ops, op)
	}
	return u, nil
}

// Apply merges a remote update. Operations already seen are ignored and
// operations whose anchor is unknown are buffered. A *ReplicationGapError is
// returned when buffered operations expired; everything else in the update
// is still applied.
func (d *Document) Apply(u Update) error {
	for _, op := range u.Ops {
		if err := validate(op); err != nil {
			return err
		}
	}
	for _, op := range u.Ops {
		d.integrate(op)
	}
	return d.agePending()
}

// FullState exports every element, tombstones included, in an order a cold
// replica can apply without buffering.
func (d *Document) FullState() Update {
	u := Update{Full: true, Ops: make([]Op, 0, len(d.log))}
	var tombstones []Op
	for _, id := range d.log {
		el := d.elems[id]
		u.Ops = append(u.Ops, Op{Kind: OpInsert, ID: el.id, Anchor: el.anchor, Value: el.value})
		if el.deleted {
			tombstones = append(tombstones, Op{Kind: OpDelete, ID: el.id})
		}
	}
	u.Ops = append(u.Ops, tombstones...)
	return u
}

func (d *Document) EncodeFullState() ([]byte, error) {
	return Encode(d.FullState())
}

func validate(op Op) error {
	switch op.Kind {
	case OpInsert, OpDelete:
	default:
		return fmt.Errorf("op kind %d: %w", op.Kind, ErrMalformedUpdate)
	}
	if op.ID.IsHead() || op.ID.Site == "" || op.ID.Clock <= 0 {
		return fmt.Errorf("op id %s: %w", op.ID, ErrMalformedUpdate)
	}
	if op.Kind == OpInsert && !utf8.ValidRune(op.Value) {
		return fmt.Errorf("op %s value %#x: %w", op.ID, op.Value, ErrMalformedUpdate)
	}
	return nil
}

func (d *Document) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		d.integrateInsert(op)
	case OpDelete:
		d.integrateDelete(op)
	}
}

func (d *Document) integrateInsert(op Op) {
	if _, seen := d.elems[op.ID]; seen {
		return
	}
	if !op.Anchor.IsHead() {
		if _, ok := d.elems[op.Anchor]; !ok {
			d.bucket(op.Anchor).inserts = append(d.bucket(op.Anchor).inserts, op)
			return
		}
	}
	d.elems[op.ID] = &element{id: op.ID, anchor: op.Anchor, value: op.Value}
	d.log = append(d.log, op.ID)
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	kids := d.children[op.Anchor]
	i := sort.Search(len(kids), func(i int) bool { return !before(kids[i], op.ID) })
	kids = append(kids, ID{})
	copy(kids[i+1:], kids[i:])
	kids[i] = op.ID
	d.children[op.Anchor] = kids
	d.dirty = true
	d.version++

	d.release(op.ID)
}

func (d *Document) integrateDelete(op Op) {
	el, ok := d.elems[op.ID]
	if !ok {
		d.bucket(op.ID).deletes = append(d.bucket(op.ID).deletes, op)
		return
	}
	if !el.deleted {
		el.deleted = true
		d.dirty = true
		d.version++
	}
}

func (d *Document) bucket(id ID) *pendingBucket {
	b, ok := d.pending[id]
	if !ok {
		b = &pendingBucket{}
		d.pending[id] = b
	}
	return b
}

// release applies operations that were waiting on id.
func (d *Document) release(id ID) {
	b, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	for _, op := range b.inserts {
		d.integrateInsert(op)
	}
	for _, op := range b.deletes {
		d.integrateDelete(op)
	}
}

func (d *Document) agePending() error {
	var missing []ID
	for id, b := range d.pending {
		b.age++
		if b.age > d.maxPendingAge {
			missing = append(missing, id)
			delete(d.pending, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return before(missing[j], missing[i]) })
	return &ReplicationGapError{RoomID: d.roomID, Missing: missing}
}

// linearize rebuilds the visible order with an iterative pre-order walk from
// head. Deep chains are normal (typed text anchors each rune on the previous
// one), so no recursion.
func (d *Document) linearize() {
	if !d.dirty && d.visible != nil {
		return
	}
	visible := make([]ID, 0, len(d.elems))
	stack := make([]ID, 0, 64)
	pushChildren := func(id ID) {
		kids := d.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	pushChildren(head)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !d.elems[id].deleted {
			visible = append(visible, id)
		}
		pushChildren(id)
	}
	d.visible = visible
	d.dirty = false
}
