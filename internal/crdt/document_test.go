package crdt

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *Document, pos int, text string) Update {
	t.Helper()
	u, err := d.Insert(pos, text)
	require.NoError(t, err)
	return u
}

func mustDelete(t *testing.T, d *Document, pos, n int) Update {
	t.Helper()
	u, err := d.Delete(pos, n)
	require.NoError(t, err)
	return u
}

func TestSeededDocumentMaterializes(t *testing.T) {
	d := NewFromText("r1", "a", "héllo")
	assert.Equal(t, "héllo", d.Materialize())
	assert.Equal(t, 5, d.Len())
	assert.Equal(t, int64(5), d.Clock())
}

func TestSeedIsDeterministicAcrossSites(t *testing.T) {
	a := NewFromText("r1", "site-a", "abc")
	b := NewFromText("r1", "site-b", "abc")
	assert.Equal(t, a.FullState(), b.FullState())
}

func TestLocalInsertAndDelete(t *testing.T) {
	d := NewFromText("r1", "a", "ac")
	mustInsert(t, d, 1, "b")
	assert.Equal(t, "abc", d.Materialize())

	mustInsert(t, d, 3, "de")
	assert.Equal(t, "abcde", d.Materialize())

	mustInsert(t, d, 0, ">")
	assert.Equal(t, ">abcde", d.Materialize())

	u := mustDelete(t, d, 1, 2)
	assert.Len(t, u.Ops, 2)
	for _, op := range u.Ops {
		assert.Equal(t, OpDelete, op.Kind)
	}
	assert.Equal(t, ">cde", d.Materialize())
}

func TestInsertReturnsOnlyNewOps(t *testing.T) {
	d := NewFromText("r1", "a", "xyz")
	u := mustInsert(t, d, 3, "12")
	require.Len(t, u.Ops, 2)
	assert.Equal(t, ID{Site: "a", Clock: 4}, u.Ops[0].ID)
	assert.Equal(t, ID{Site: SeedSite("xyz"), Clock: 3}, u.Ops[0].Anchor)
	assert.Equal(t, u.Ops[0].ID, u.Ops[1].Anchor)
	assert.False(t, u.Full)
}

func TestOutOfRange(t *testing.T) {
	d := NewFromText("r1", "a", "ab")
	_, err := d.Insert(3, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Delete(1, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Delete(-1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, "ab", d.Materialize())
}

func TestConcurrentInsertAtSamePositionConverges(t *testing.T) {
	a := NewFromText("r1", "A", "ab")
	b := NewFromText("r1", "B", "ab")

	ua := mustInsert(t, a, 0, "X")
	ub := mustInsert(t, b, 0, "Y")

	require.NoError(t, a.Apply(ub))
	require.NoError(t, b.Apply(ua))

	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Len(t, []rune(a.Materialize()), 4)
	assert.Contains(t, []string{"XYab", "YXab"}, a.Materialize())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewFromText("r1", "A", "base")
	b := NewFromText("r1", "B", "base")

	u := mustInsert(t, a, 2, "--")
	require.NoError(t, b.Apply(u))
	once := b.Materialize()
	require.NoError(t, b.Apply(u))
	require.NoError(t, b.Apply(u))
	assert.Equal(t, once, b.Materialize())
	assert.Equal(t, "ba--se", once)

	del := mustDelete(t, a, 0, 1)
	require.NoError(t, b.Apply(del))
	require.NoError(t, b.Apply(del))
	assert.Equal(t, "a--se", b.Materialize())
}

func TestIndependentUpdatesCommute(t *testing.T) {
	src1 := NewFromText("r1", "A", "hello world")
	src2 := NewFromText("r1", "B", "hello world")
	u1 := mustInsert(t, src1, 5, ",")
	u2 := mustDelete(t, src2, 6, 5)

	x := NewFromText("r1", "X", "hello world")
	y := NewFromText("r1", "Y", "hello world")
	require.NoError(t, x.Apply(u1))
	require.NoError(t, x.Apply(u2))
	require.NoError(t, y.Apply(u2))
	require.NoError(t, y.Apply(u1))

	assert.Equal(t, "hello, ", x.Materialize())
	assert.Equal(t, x.Materialize(), y.Materialize())
}

func TestTombstoneStability(t *testing.T) {
	d := NewFromText("r1", "a", "abc")
	mustDelete(t, d, 1, 1)
	assert.Equal(t, "ac", d.Materialize())

	mustInsert(t, d, 1, "b")
	assert.Equal(t, "abc", d.Materialize())

	// the tombstone is still present and still deleted
	state := d.FullState()
	tombstones := 0
	for _, op := range state.Ops {
		if op.Kind == OpDelete {
			tombstones++
			assert.Equal(t, ID{Site: SeedSite("abc"), Clock: 2}, op.ID)
		}
	}
	assert.Equal(t, 1, tombstones)
}

func TestVersionCountsStateChanges(t *testing.T) {
	a := NewFromText("r1", "A", "ab")
	assert.Equal(t, uint64(2), a.Version())

	u := mustInsert(t, a, 1, "x")
	del := mustDelete(t, a, 0, 1)
	assert.Equal(t, uint64(4), a.Version())

	b := NewFromText("r1", "B", "ab")
	require.NoError(t, b.Apply(u))
	require.NoError(t, b.Apply(u))
	require.NoError(t, b.Apply(del))
	require.NoError(t, b.Apply(del))
	assert.Equal(t, a.Version(), b.Version())
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	d := NewFromText("r1", "a", "original")
	mustInsert(t, d, 4, "XYZ")
	mustDelete(t, d, 4, 3)
	assert.Equal(t, "original", d.Materialize())
}

func TestConcurrentDeleteAndInsertAtSamePlace(t *testing.T) {
	a := NewFromText("r1", "A", "abc")
	b := NewFromText("r1", "B", "abc")

	del := mustDelete(t, a, 1, 1)
	ins := mustInsert(t, b, 2, "!")

	require.NoError(t, a.Apply(ins))
	require.NoError(t, b.Apply(del))
	assert.Equal(t, "a!c", a.Materialize())
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := NewFromText("r1", "A", "")
	u1 := mustInsert(t, a, 0, "ab")
	u2 := mustInsert(t, a, 2, "cd")
	u3 := mustDelete(t, a, 0, 1)

	b := New("r1", "B")
	require.NoError(t, b.Apply(u3))
	require.NoError(t, b.Apply(u2))
	assert.Equal(t, "", b.Materialize())
	assert.Equal(t, 3, b.Pending())

	require.NoError(t, b.Apply(u1))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, "bcd", b.Materialize())
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestExpiredBufferReportsReplicationGap(t *testing.T) {
	a := NewFromText("r1", "A", "")
	lost := mustInsert(t, a, 0, "a")
	orphan := mustInsert(t, a, 1, "b")

	b := New("r1", "B")
	b.SetMaxPendingAge(2)
	require.NoError(t, b.Apply(orphan))
	require.NoError(t, b.Apply(Update{}))

	err := b.Apply(Update{})
	require.Error(t, err)
	var gap *ReplicationGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, "r1", gap.RoomID)
	assert.Equal(t, []ID{lost.Ops[0].ID}, gap.Missing)
	assert.True(t, IsReplicationGap(err))
	assert.Equal(t, 0, b.Pending())

	// resync from a converged peer repairs the replica
	require.NoError(t, b.Apply(a.FullState()))
	assert.Equal(t, "ab", b.Materialize())
}

func TestApplyRejectsMalformedOps(t *testing.T) {
	d := New("r1", "a")
	err := d.Apply(Update{Ops: []Op{{Kind: OpInsert, ID: ID{}, Value: 'x'}}})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	err = d.Apply(Update{Ops: []Op{{Kind: 9, ID: ID{Site: "a", Clock: 1}}}})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, "", d.Materialize())
}

func TestFullStateRebuildsColdReplica(t *testing.T) {
	a := NewFromText("r1", "A", "hello")
	mustInsert(t, a, 5, " world")
	mustDelete(t, a, 0, 1)
	mustInsert(t, a, 0, "J")

	b := New("r1", "B")
	require.NoError(t, b.Apply(a.FullState()))
	assert.Equal(t, "Jello world", b.Materialize())
	assert.Equal(t, a.FullState(), b.FullState())

	// local clocks advance past everything observed
	u := mustInsert(t, b, 0, "!")
	assert.Greater(t, u.Ops[0].ID.Clock, a.Clock())
}

// Random concurrent sessions across three replicas, with every update
// delivered to every replica in a shuffled order and partly duplicated.
func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		sites := []*Document{
			NewFromText("r", "s1", "seed text"),
			NewFromText("r", "s2", "seed text"),
			NewFromText("r", "s3", "seed text"),
		}
		var updates []Update
		for step := 0; step < 30; step++ {
			d := sites[rng.Intn(len(sites))]
			if d.Len() > 0 && rng.Intn(3) == 0 {
				pos := rng.Intn(d.Len())
				n := 1 + rng.Intn(d.Len()-pos)
				updates = append(updates, mustDelete(t, d, pos, n))
			} else {
				pos := rng.Intn(d.Len() + 1)
				updates = append(updates, mustInsert(t, d, pos, string(rune('a'+rng.Intn(26)))))
			}
		}

		for _, d := range sites {
			d.SetMaxPendingAge(len(updates) * 2)
			order := rng.Perm(len(updates))
			for _, i := range order {
				require.NoError(t, d.Apply(updates[i]))
				if rng.Intn(4) == 0 {
					require.NoError(t, d.Apply(updates[i]))
				}
			}
			assert.Equal(t, 0, d.Pending())
		}
		assert.Equal(t, sites[0].Materialize(), sites[1].Materialize(), "round %d", round)
		assert.Equal(t, sites[1].Materialize(), sites[2].Materialize(), "round %d", round)
	}
}

func TestSeedSiteFollowsText(t *testing.T) {
	assert.Equal(t, SeedSite("ab"), SeedSite("ab"))
	assert.NotEqual(t, SeedSite("ab"), SeedSite("Xab"))

	// a replica reseeded from a later snapshot must not reuse the ids of
	// the text it replaces
	a := NewFromText("r1", "A", "ab")
	mustInsert(t, a, 0, "X")
	b := NewFromText("r1", "B", a.Materialize())
	for _, op := range b.FullState().Ops {
		_, clash := a.elems[op.ID]
		assert.False(t, clash, "id %s seeded twice", op.ID)
	}

	require.NoError(t, a.Apply(b.FullState()))
	require.NoError(t, b.Apply(a.FullState()))
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestApplyRejectsInvalidRunes(t *testing.T) {
	d := NewFromText("r1", "A", "ok")
	for _, v := range []rune{-1, 0xD800, 0x110000} {
		err := d.Apply(Update{Ops: []Op{{Kind: OpInsert, ID: ID{Site: "B", Clock: 9}, Value: v}}})
		assert.ErrorIs(t, err, ErrMalformedUpdate, "value %#x", v)
	}
	assert.Equal(t, "ok", d.Materialize())
}
