package constraint

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Store holds the constraints currently published by each agent.
type Store struct {
	mu      sync.RWMutex
	byAgent map[int][]Constraint
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byAgent: make(map[int][]Constraint)}
}

// Insert merges a freshly published set. Interval schemes replace everything
// the agent published before; the other schemes replace only entries with
// the same validity time, which lets differential deltas patch the set.
func (s *Store) Insert(agent int, cs []Constraint, scheme Scheme) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scheme.Interval() {
		s.byAgent[agent] = append([]Constraint(nil), cs...)
		return
	}
	current := s.byAgent[agent]
	for _, c := range cs {
		current = lo.Reject(current, func(old Constraint, _ int) bool {
			return sameTime(old.Time, c.Time)
		})
		current = append(current, c)
	}
	sort.SliceStable(current, func(i, j int) bool { return current[i].Time < current[j].Time })
	s.byAgent[agent] = current
}

// DeleteOlderThan drops constraints valid strictly before t and returns how
// many were removed.
func (s *Store) DeleteOlderThan(t float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for agent, cs := range s.byAgent {
		kept := lo.Filter(cs, func(c Constraint, _ int) bool {
			return c.Time >= t || sameTime(c.Time, t)
		})
		removed += len(cs) - len(kept)
		if len(kept) == 0 {
			delete(s.byAgent, agent)
			continue
		}
		s.byAgent[agent] = kept
	}
	return removed
}

// RemoveAgent drops everything agent published.
func (s *Store) RemoveAgent(agent int) {
	s.mu.Lock()
	delete(s.byAgent, agent)
	s.mu.Unlock()
}

// For returns the constraints published by the given agents, in argument
// order.
func (s *Store) For(agents ...int) []Constraint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Constraint
	for _, a := range agents {
		out = append(out, s.byAgent[a]...)
	}
	return out
}

// Except returns every constraint not published by agent.
func (s *Store) Except(agent int) []Constraint {
	others := lo.Without(s.Agents(), agent)
	return s.For(others...)
}

// Agents returns the publishing agents in ascending order.
func (s *Store) Agents() []int {
	s.mu.RLock()
	keys := lo.Keys(s.byAgent)
	s.mu.RUnlock()
	sort.Ints(keys)
	return keys
}

// Len returns the total number of stored constraints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.SumBy(lo.Values(s.byAgent), func(cs []Constraint) int { return len(cs) })
}

// Empty reports whether no agent has published anything.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAgent) == 0
}
