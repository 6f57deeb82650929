package goal

import (
	"cmp"
	"slices"
	"strings"
	"weak"
)

// Compare is the total order used for every goal enumeration: primarily
// the stable key, with ties broken by creation sequence number. Memory
// addresses are never consulted, so enumeration order is identical between
// otherwise-identical runs.
func Compare(a, b Goal) int {
	if c := strings.Compare(a.Key(), b.Key()); c != 0 {
		return c
	}
	return cmp.Compare(a.base().seq, b.base().seq)
}

// Set is an ordered set of goals, sorted by Compare. The zero value is an
// empty set. Membership is goal identity: Compare is zero only for the
// same goal, since creation sequence numbers are unique.
type Set struct {
	goals []Goal
}

// Len returns the number of goals in the set.
func (s *Set) Len() int { return len(s.goals) }

// Insert adds g, keeping order. Returns false if g was already present.
func (s *Set) Insert(g Goal) bool {
	i, found := slices.BinarySearchFunc(s.goals, g, Compare)
	if found {
		return false
	}
	s.goals = slices.Insert(s.goals, i, g)
	return true
}

// Remove deletes g. Returns false if g was not present.
func (s *Set) Remove(g Goal) bool {
	i, found := slices.BinarySearchFunc(s.goals, g, Compare)
	if !found {
		return false
	}
	s.goals = slices.Delete(s.goals, i, i+1)
	return true
}

// Has reports whether g is in the set.
func (s *Set) Has(g Goal) bool {
	_, found := slices.BinarySearchFunc(s.goals, g, Compare)
	return found
}

// Goals returns a snapshot of the members in comparator order.
func (s *Set) Goals() []Goal {
	return slices.Clone(s.goals)
}

// Clear empties the set and returns the former members in comparator
// order. The worker uses this to drain the awake set one wave at a time.
func (s *Set) Clear() []Goal {
	gs := s.goals
	s.goals = nil
	return gs
}

// Ref is a non-owning reference to a goal: it never keeps the goal alive.
// The weak pointer targets the goal's Core; the Core in turn holds the
// concrete goal, so both live and die together.
type Ref struct {
	p weak.Pointer[Core]
}

// NewRef creates a non-owning reference to g.
func NewRef(g Goal) Ref {
	return Ref{p: weak.Make(g.base())}
}

// Goal returns the referenced goal, or false if it has been destroyed.
func (r Ref) Goal() (Goal, bool) {
	c := r.p.Value()
	if c == nil {
		return nil, false
	}
	return c.self, true
}

// addToWaiters registers g in a waiter list. Duplicates are skipped; so is
// nothing else, because g is held strongly by the caller and cannot have
// been destroyed mid-call. The defensive side lives in liveGoals, which
// drops references whose goal finished and was collected before the
// notification cascade ran.
func addToWaiters(ws *[]Ref, g Goal) {
	ref := NewRef(g)
	for _, r := range *ws {
		if r == ref {
			return
		}
	}
	*ws = append(*ws, ref)
}

// liveGoals dereferences a waiter list, dropping destroyed goals, and
// returns the survivors in comparator order.
func liveGoals(refs []Ref) []Goal {
	gs := make([]Goal, 0, len(refs))
	for _, r := range refs {
		if g, ok := r.Goal(); ok {
			gs = append(gs, g)
		}
	}
	slices.SortFunc(gs, Compare)
	return gs
}
