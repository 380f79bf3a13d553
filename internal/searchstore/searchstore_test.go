package searchstore

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credcoin/clearing/internal/models"
)

func newTestStore() *Store {
	return NewWithRand(rand.New(rand.NewSource(1)))
}

func day(n int) time.Time {
	return time.Date(2026, 8, n, 0, 0, 0, 0, time.UTC)
}

func entry(id, issuer, receiver string, outstanding float64, due time.Time) Entry {
	return Entry{
		CredexID:      id,
		Issuer:        issuer,
		Receiver:      receiver,
		Outstanding:   outstanding,
		Denomination:  models.DenomCXX,
		CXXMultiplier: 1,
		DueDate:       due,
	}
}

func TestStore_RegisterIdempotent(t *testing.T) {
	s := newTestStore()

	ok := s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	assert.True(t, ok)

	// Second registration with the same credex ID leaves the store unchanged.
	ok = s.Register(models.Floating, entry("c1", "a", "b", 99, day(1)))
	assert.False(t, ok)

	outstanding, found := s.Outstanding("c1")
	require.True(t, found)
	assert.Equal(t, 10.0, outstanding)
	assert.Equal(t, 1, s.Len())
}

func TestStore_TypesAreDisjoint(t *testing.T) {
	s := newTestStore()

	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	s.Register(models.Floating, entry("c2", "b", "a", 10, day(10)))
	s.Register(models.SecuredType(models.DenomUSD), entry("c3", "b", "a", 10, day(10)))

	// The floating 2-cycle must not traverse the secured edge.
	reps := s.FindCycle(models.Floating, "a")
	require.Len(t, reps, 2)
	assert.Nil(t, s.FindCycle(models.SecuredType(models.DenomUSD), "b"))
}

func TestStore_FindCycle_NoCycle(t *testing.T) {
	s := newTestStore()

	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	s.Register(models.Floating, entry("c2", "b", "c", 10, day(10)))

	assert.Nil(t, s.FindCycle(models.Floating, "a"))
}

func TestStore_FindCycle_PrefersLongest(t *testing.T) {
	s := newTestStore()

	// Two cycles from a: a->b->a (length 2) and a->b->c->a (length 3).
	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	s.Register(models.Floating, entry("c2", "b", "a", 10, day(10)))
	s.Register(models.Floating, entry("c3", "b", "c", 10, day(10)))
	s.Register(models.Floating, entry("c4", "c", "a", 10, day(10)))

	reps := s.FindCycle(models.Floating, "a")
	require.Len(t, reps, 3)
	assert.Equal(t, "c1", reps[0].CredexID)
	assert.Equal(t, "c3", reps[1].CredexID)
	assert.Equal(t, "c4", reps[2].CredexID)
}

func TestStore_RepresentativeSelection(t *testing.T) {
	s := newTestStore()

	// Three credexes on the same adjacency: earliest due date wins, ties
	// break on largest outstanding.
	s.Register(models.Floating, entry("late", "a", "b", 100, day(20)))
	s.Register(models.Floating, entry("early-small", "a", "b", 5, day(10)))
	s.Register(models.Floating, entry("early-big", "a", "b", 50, day(10)))
	s.Register(models.Floating, entry("back", "b", "a", 7, day(15)))

	reps := s.FindCycle(models.Floating, "a")
	require.Len(t, reps, 2)
	assert.Equal(t, "early-big", reps[0].CredexID)
	assert.Equal(t, "back", reps[1].CredexID)
}

func TestStore_RemoveCleansUpAnchors(t *testing.T) {
	s := newTestStore()

	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	s.Register(models.Floating, entry("c2", "a", "b", 20, day(12)))
	s.Register(models.Floating, entry("c3", "b", "a", 20, day(12)))

	// Removing one member keeps the anchor alive with a refreshed earliest
	// due date; c2 becomes the representative.
	s.Remove("c1")
	reps := s.FindCycle(models.Floating, "a")
	require.Len(t, reps, 2)
	assert.Equal(t, "c2", reps[0].CredexID)

	// Removing the last member orphans and deletes the anchor.
	s.Remove("c2")
	assert.Nil(t, s.FindCycle(models.Floating, "a"))
	assert.Equal(t, 1, s.Len())

	// Removing an absent credex is a no-op.
	s.Remove("c2")
	assert.Equal(t, 1, s.Len())
}

func TestStore_SubtractOutstanding(t *testing.T) {
	s := newTestStore()

	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))

	remaining, err := s.SubtractOutstanding("c1", 4)
	require.NoError(t, err)
	assert.Equal(t, 6.0, remaining)

	remaining, err = s.SubtractOutstanding("c1", 6)
	require.NoError(t, err)
	assert.Equal(t, 0.0, remaining)

	_, err = s.SubtractOutstanding("missing", 1)
	assert.Error(t, err)
}

func TestStore_Rebase(t *testing.T) {
	s := newTestStore()

	// USD credex: outstanding 200 CXX at rate 2.0, i.e. 100 USD face value.
	s.Register(models.SecuredType(models.DenomUSD), Entry{
		CredexID:      "usd",
		Issuer:        "a",
		Receiver:      "b",
		Outstanding:   200,
		Denomination:  models.DenomUSD,
		CXXMultiplier: 2.0,
		DueDate:       day(10),
	})
	s.Register(models.Floating, entry("cxx", "a", "b", 50, day(10)))

	s.Rebase(2.0, map[models.Denomination]float64{
		models.DenomCXX: 1,
		models.DenomUSD: 2.5,
	})

	// (200 / 2.0) * 2.5 = 250 CXX stored; face value still 100 USD.
	outstanding, _ := s.Outstanding("usd")
	assert.InDelta(t, 250, outstanding, 1e-9)

	// CXX entries divide by the prior/current ratio.
	outstanding, _ = s.Outstanding("cxx")
	assert.InDelta(t, 25, outstanding, 1e-9)
}

func TestStore_RemoveMany(t *testing.T) {
	s := newTestStore()

	s.Register(models.Floating, entry("c1", "a", "b", 10, day(10)))
	s.Register(models.Floating, entry("c2", "b", "c", 10, day(10)))
	s.Register(models.Floating, entry("c3", "c", "a", 10, day(10)))

	s.RemoveMany([]string{"c1", "c3"})
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains("c2"))
}
