package searchstore

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/credcoin/clearing/internal/models"
)

// Entry mirrors one outstanding, accepted credex. Amounts are in CXX.
type Entry struct {
	CredexID      string              `json:"credex_id"`
	Issuer        string              `json:"issuer"`
	Receiver      string              `json:"receiver"`
	Outstanding   float64             `json:"outstanding"`
	Denomination  models.Denomination `json:"denomination"`
	CXXMultiplier float64             `json:"cxx_multiplier"`
	DueDate       time.Time           `json:"due_date"`
}

// anchor groups entries of one obligation type on one directed
// issuer->receiver adjacency and tracks the earliest due date among them.
type anchor struct {
	issuer      string
	receiver    string
	earliestDue time.Time
	entries     map[string]*Entry
}

func (a *anchor) recomputeEarliestDue() {
	a.earliestDue = time.Time{}
	for _, e := range a.entries {
		if a.earliestDue.IsZero() || e.DueDate.Before(a.earliestDue) {
			a.earliestDue = e.DueDate
		}
	}
}

// representative picks the credex that stands for this adjacency in a cycle:
// earliest due date, ties broken by largest outstanding amount.
func (a *anchor) representative() *Entry {
	var rep *Entry
	for _, e := range a.entries {
		if rep == nil {
			rep = e
			continue
		}
		if e.DueDate.Before(rep.DueDate) ||
			(e.DueDate.Equal(rep.DueDate) && e.Outstanding > rep.Outstanding) {
			rep = e
		}
	}
	return rep
}

type edge struct {
	issuer   string
	receiver string
}

type entryRef struct {
	ot models.ObligationType
	e  edge
}

// Store is the in-memory denormalized mirror of outstanding obligations,
// grouped per obligation type for cycle traversal. It is eventually
// consistent with the ledger and rebuilt by replaying outstanding credexes
// at startup; every mutation here is idempotent and re-checkable.
type Store struct {
	mu       sync.Mutex
	accounts map[string]struct{}
	graphs   map[models.ObligationType]map[edge]*anchor
	byCredex map[string]entryRef
	rng      *rand.Rand
}

// New creates an empty mirror.
func New() *Store {
	return NewWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand creates a mirror with a caller-supplied source for cycle
// tie-breaking, so tests can be deterministic.
func NewWithRand(rng *rand.Rand) *Store {
	return &Store{
		accounts: make(map[string]struct{}),
		graphs:   make(map[models.ObligationType]map[edge]*anchor),
		byCredex: make(map[string]entryRef),
		rng:      rng,
	}
}

// AddAccount materializes an account node. Idempotent.
func (s *Store) AddAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = struct{}{}
}

// Register mirrors a credex under its obligation type's adjacency anchor.
// Returns false without changing anything if the credex is already present,
// which makes re-invocation after a partial failure safe.
func (s *Store) Register(ot models.ObligationType, e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCredex[e.CredexID]; exists {
		return false
	}

	s.accounts[e.Issuer] = struct{}{}
	s.accounts[e.Receiver] = struct{}{}

	g := s.graphs[ot]
	if g == nil {
		g = make(map[edge]*anchor)
		s.graphs[ot] = g
	}
	k := edge{issuer: e.Issuer, receiver: e.Receiver}
	a := g[k]
	if a == nil {
		a = &anchor{issuer: e.Issuer, receiver: e.Receiver, entries: make(map[string]*Entry)}
		g[k] = a
	}
	entry := e
	a.entries[e.CredexID] = &entry
	if a.earliestDue.IsZero() || entry.DueDate.Before(a.earliestDue) {
		a.earliestDue = entry.DueDate
	}
	s.byCredex[e.CredexID] = entryRef{ot: ot, e: k}
	return true
}

// Contains reports whether a credex is mirrored.
func (s *Store) Contains(credexID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byCredex[credexID]
	return ok
}

// Outstanding returns the mirrored outstanding amount for a credex.
func (s *Store) Outstanding(credexID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byCredex[credexID]
	if !ok {
		return 0, false
	}
	return s.graphs[ref.ot][ref.e].entries[credexID].Outstanding, true
}

// SubtractOutstanding reduces a mirrored credex's outstanding amount and
// returns the remainder.
func (s *Store) SubtractOutstanding(credexID string, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byCredex[credexID]
	if !ok {
		return 0, fmt.Errorf("credex %s not in search store", credexID)
	}
	e := s.graphs[ref.ot][ref.e].entries[credexID]
	e.Outstanding -= amount
	return e.Outstanding, nil
}

// Remove deletes a credex from the mirror, deletes its anchor if that was
// the last member, and refreshes the surviving anchor's earliest due date.
// Removing an absent credex is a no-op.
func (s *Store) Remove(credexID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(credexID)
}

// RemoveMany evicts a batch of credexes, e.g. ones defaulted by the daily run.
func (s *Store) RemoveMany(credexIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range credexIDs {
		s.removeLocked(id)
	}
}

func (s *Store) removeLocked(credexID string) {
	ref, ok := s.byCredex[credexID]
	if !ok {
		return
	}
	a := s.graphs[ref.ot][ref.e]
	delete(a.entries, credexID)
	delete(s.byCredex, credexID)
	if len(a.entries) == 0 {
		delete(s.graphs[ref.ot], ref.e)
		if len(s.graphs[ref.ot]) == 0 {
			delete(s.graphs, ref.ot)
		}
		return
	}
	a.recomputeEarliestDue()
}

// FindCycle searches the obligation type's subgraph for directed cycles that
// begin and end at start and returns the representative credexes of the
// chosen cycle, in cycle order. Selection prefers the longest cycle so each
// pass nets the most obligations; remaining ties break uniformly at random.
// Returns nil when no cycle exists.
//
// The search enumerates every simple cycle through start, which is
// exponential in the worst case. In practice the mirror holds one anchor per
// account pair per obligation type and netting runs after every acceptance,
// so the reachable subgraph stays small; revisit with a depth cutoff if
// account fan-out ever grows past a few dozen.
func (s *Store) FindCycle(ot models.ObligationType, start string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.graphs[ot]
	if g == nil {
		return nil
	}

	// Outgoing adjacency per account.
	out := make(map[string][]*anchor)
	for _, a := range g {
		out[a.issuer] = append(out[a.issuer], a)
	}

	var cycles [][]*anchor
	var path []*anchor
	visited := map[string]bool{start: true}

	var dfs func(node string)
	dfs = func(node string) {
		for _, a := range out[node] {
			if a.receiver == start {
				cycle := make([]*anchor, len(path)+1)
				copy(cycle, path)
				cycle[len(path)] = a
				cycles = append(cycles, cycle)
				continue
			}
			if visited[a.receiver] {
				continue
			}
			visited[a.receiver] = true
			path = append(path, a)
			dfs(a.receiver)
			path = path[:len(path)-1]
			visited[a.receiver] = false
		}
	}
	dfs(start)

	if len(cycles) == 0 {
		return nil
	}

	longest := 0
	for _, c := range cycles {
		if len(c) > longest {
			longest = len(c)
		}
	}
	var candidates [][]*anchor
	for _, c := range cycles {
		if len(c) == longest {
			candidates = append(candidates, c)
		}
	}
	chosen := candidates[s.rng.Intn(len(candidates))]

	reps := make([]Entry, len(chosen))
	for i, a := range chosen {
		reps[i] = *a.representative()
	}
	return reps
}

// Rebase rescales every mirrored outstanding amount to freshly published
// rates, exactly as the ledger store does: CXX entries divide by the
// prior/current ratio, foreign entries are recomputed through their old
// multiplier into the new rate.
func (s *Store) Rebase(ratio float64, rates map[models.Denomination]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.graphs {
		for _, a := range g {
			for _, e := range a.entries {
				if e.Denomination == models.DenomCXX {
					e.Outstanding /= ratio
					continue
				}
				rate, ok := rates[e.Denomination]
				if !ok {
					continue
				}
				e.Outstanding = e.Outstanding / e.CXXMultiplier * rate
				e.CXXMultiplier = rate
			}
		}
	}
}

// Snapshot returns a JSON dump of every mirrored entry, for the daily run's
// pre/post snapshots.
func (s *Store) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for _, g := range s.graphs {
		for _, a := range g {
			for _, e := range a.entries {
				entries = append(entries, *e)
			}
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil
	}
	return data
}

// Len returns the number of mirrored credexes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCredex)
}
