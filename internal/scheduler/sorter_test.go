package scheduler

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

const (
	testN = 4
	testT = 0.5
)

var testParams = constraint.Params{N: testN, T: testT, CellSize: 1.1, Dmin: 0.5, MaxDynamics: 1, UMax: 1}

func newSorter(t *testing.T, strategy Strategy, criteria Criteria) *Sorter {
	t.Helper()
	g, err := grid.New(12, 12, 1.1, testT)
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return NewSorter(Config{Strategy: strategy, Criteria: criteria, T: testT, Margin: testParams.Margin()}, g, NewQueue())
}

func line(id int, start, vel motion.Vec2) Candidate {
	u := make([]motion.Vec2, testN)
	for i := range u {
		u[i] = vel
	}
	return Candidate{ID: id, States: motion.Holonomic(start, u, testT, testN)}
}

func TestCrossingScenarioSplitsIntoTwoTiers(t *testing.T) {
	s := newSorter(t, Flat, Fixed)
	a := line(1, motion.Vec2{}, motion.Vec2{X: 1, Y: 1})
	b := line(2, motion.Vec2{X: 4}, motion.Vec2{X: -1, Y: 1})
	if !s.Conflict(a, b) {
		t.Fatalf("crossing predictions not in conflict")
	}

	plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}})
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if len(plan.Rows) != 2 || !slices.Equal(plan.Rows[0], []int{1}) || !slices.Equal(plan.Rows[1], []int{2}) {
		t.Fatalf("Rows = %v, want [[1] [2]]", plan.Rows)
	}
	if got := s.Sources(2); !slices.Equal(got, []int{1}) {
		t.Fatalf("Sources(2) = %v, want [1]", got)
	}
	if got := s.Sources(1); len(got) != 0 {
		t.Fatalf("Sources(1) = %v, want none", got)
	}
}

func TestSingleAgentStaysOnTierZero(t *testing.T) {
	for _, strategy := range []Strategy{Flat, Hierarchical, Tree} {
		s := newSorter(t, strategy, MinOpenLoop)
		plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{line(7, motion.Vec2{X: 3, Y: 3}, motion.Vec2{X: 1})}})
		if err != nil {
			t.Fatalf("%v: Sort: %v", strategy, err)
		}
		if len(plan.Rows) != 1 || plan.Rows[0][0] != 7 || len(s.Sources(7)) != 0 {
			t.Fatalf("%v: rows = %v", strategy, plan.Rows)
		}
	}
}

func TestSourcesCoverEveryEarlierTier(t *testing.T) {
	for _, strategy := range []Strategy{Flat, Hierarchical, Tree} {
		s := newSorter(t, strategy, Fixed)
		agents := []Candidate{
			line(1, motion.Vec2{X: 0.5, Y: 0.5}, motion.Vec2{}),
			line(2, motion.Vec2{X: 10, Y: 10}, motion.Vec2{}),
			line(3, motion.Vec2{X: 10, Y: 8}, motion.Vec2{}),
		}
		plan, err := s.Sort(context.Background(), Input{Agents: agents})
		if err != nil {
			t.Fatalf("%v: Sort: %v", strategy, err)
		}
		if len(plan.Rows) != 2 || !slices.Equal(plan.Rows[1], []int{3}) {
			t.Fatalf("%v: rows = %v, want agent 3 alone on tier 1", strategy, plan.Rows)
		}
		if got := slices.Sorted(slices.Values(s.Sources(3))); !slices.Equal(got, []int{1, 2}) {
			t.Fatalf("%v: Sources(3) = %v, want [1 2]", strategy, got)
		}
	}
}

func TestSortKeepsGraphAcyclicForAnyOrdering(t *testing.T) {
	base := []Candidate{
		line(1, motion.Vec2{X: 1, Y: 5}, motion.Vec2{X: 1}),
		line(2, motion.Vec2{X: 2, Y: 5}, motion.Vec2{X: 1}),
		line(3, motion.Vec2{X: 5, Y: 1}, motion.Vec2{Y: 1}),
		line(4, motion.Vec2{X: 5, Y: 9}, motion.Vec2{Y: -1}),
		line(5, motion.Vec2{X: 9, Y: 5}, motion.Vec2{X: -1}),
		line(6, motion.Vec2{X: 11, Y: 11}, motion.Vec2{}),
	}
	for i := range base {
		base[i].OpenLoop = float64((i * 7) % 5)
	}
	rng := rand.New(rand.NewPCG(7, 11))
	for _, strategy := range []Strategy{Flat, Hierarchical, Tree} {
		for _, criteria := range []Criteria{Fixed, MinOpenLoop, MaxOpenLoop} {
			for trial := 0; trial < 20; trial++ {
				agents := slices.Clone(base)
				rng.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
				s := newSorter(t, strategy, criteria)
				for tick := 0; tick < 3; tick++ {
					if _, err := s.Sort(context.Background(), Input{Agents: agents, T0: float64(tick) * testT}); err != nil {
						t.Fatalf("%v/%v trial %d: Sort: %v", strategy, criteria, trial, err)
					}
					q := s.Queue()
					for _, id := range q.IDs() {
						for _, succ := range q.Successors(id) {
							if q.Tier(succ) <= q.Tier(id) {
								t.Fatalf("edge %d->%d does not increase tier", id, succ)
							}
						}
					}
					if strategy != Tree {
						assertRowsConflictFree(t, s, agents)
					}
				}
			}
		}
	}
}

func assertRowsConflictFree(t *testing.T, s *Sorter, agents []Candidate) {
	t.Helper()
	byID := map[int]Candidate{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	for _, row := range s.Queue().Rows() {
		for i, a := range row {
			for _, b := range row[i+1:] {
				if s.Conflict(byID[a], byID[b]) {
					t.Fatalf("agents %d and %d share a tier while in conflict", a, b)
				}
			}
		}
	}
}

func TestMinOpenLoopDemotesExpensiveAgent(t *testing.T) {
	s := newSorter(t, Flat, MinOpenLoop)
	a := line(1, motion.Vec2{}, motion.Vec2{X: 1, Y: 1})
	b := line(2, motion.Vec2{X: 4}, motion.Vec2{X: -1, Y: 1})
	a.OpenLoop, b.OpenLoop = 10, 3
	plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}})
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if !slices.Equal(plan.Rows[0], []int{2}) || !slices.Equal(plan.Demoted, []int{1}) {
		t.Fatalf("rows = %v demoted = %v, want agent 1 demoted", plan.Rows, plan.Demoted)
	}
}

func storeFor(t *testing.T, c Candidate, t0 float64) *constraint.Store {
	t.Helper()
	f := constraint.NewFormulator(testParams)
	pub, err := f.FromTrajectory(c.ID, c.States, t0, constraint.Full, true)
	if err != nil {
		t.Fatalf("FromTrajectory: %v", err)
	}
	st := constraint.NewStore()
	st.Insert(c.ID, pub.Constraints, constraint.Full)
	return st
}

func TestMemoryStrategiesPromoteWhenUnconstrained(t *testing.T) {
	for _, strategy := range []Strategy{Hierarchical, Tree} {
		s := newSorter(t, strategy, Fixed)
		a := line(1, motion.Vec2{X: 0.55, Y: 5.5}, motion.Vec2{X: 1})
		b := line(2, motion.Vec2{X: 2.75, Y: 5.5}, motion.Vec2{})
		if _, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}}); err != nil {
			t.Fatalf("%v: first Sort: %v", strategy, err)
		}
		if s.Queue().Tier(2) != 1 {
			t.Fatalf("%v: agent 2 tier = %d, want 1", strategy, s.Queue().Tier(2))
		}

		// Still close behind: stays demoted.
		store := storeFor(t, a, 0)
		plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}, Store: store, T0: testT})
		if err != nil {
			t.Fatalf("%v: second Sort: %v", strategy, err)
		}
		if s.Queue().Tier(2) != 1 || len(plan.Promoted) != 0 {
			t.Fatalf("%v: agent 2 promoted while constrained", strategy)
		}

		// Re-planned far away: the stored constraints no longer bind.
		far := line(2, motion.Vec2{X: 10, Y: 10}, motion.Vec2{})
		plan, err = s.Sort(context.Background(), Input{Agents: []Candidate{a, far}, Store: store, T0: testT})
		if err != nil {
			t.Fatalf("%v: third Sort: %v", strategy, err)
		}
		if s.Queue().Tier(2) != 0 || !slices.Equal(plan.Promoted, []int{2}) {
			t.Fatalf("%v: tier = %d promoted = %v, want agent 2 back on tier 0", strategy, s.Queue().Tier(2), plan.Promoted)
		}
	}
}

func TestHierarchicalPromotionRechecksRow(t *testing.T) {
	s := newSorter(t, Hierarchical, Fixed)
	a := line(1, motion.Vec2{}, motion.Vec2{X: 1, Y: 1})
	b := line(2, motion.Vec2{X: 4}, motion.Vec2{X: -1, Y: 1})
	for tick := 0; tick < 2; tick++ {
		plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}, T0: float64(tick) * testT})
		if err != nil {
			t.Fatalf("tick %d: Sort: %v", tick, err)
		}
		if len(plan.Rows) != 2 || s.Queue().Tier(2) != 1 {
			t.Fatalf("tick %d: rows = %v, want agent 2 kept on tier 1", tick, plan.Rows)
		}
		if slices.Contains(plan.Promoted, 2) {
			t.Fatalf("tick %d: Promoted = %v, agent 2 went back to tier 1", tick, plan.Promoted)
		}
	}
}

func TestDepartedAgentsLeaveQueue(t *testing.T) {
	s := newSorter(t, Tree, Fixed)
	a := line(1, motion.Vec2{}, motion.Vec2{X: 1, Y: 1})
	b := line(2, motion.Vec2{X: 4}, motion.Vec2{X: -1, Y: 1})
	if _, err := s.Sort(context.Background(), Input{Agents: []Candidate{a, b}}); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	plan, err := s.Sort(context.Background(), Input{Agents: []Candidate{b}})
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if len(plan.Rows) != 1 || plan.Rows[0][0] != 2 || s.Queue().Has(1) {
		t.Fatalf("rows = %v after agent 1 left", plan.Rows)
	}
}

func TestCriteriaLoser(t *testing.T) {
	cheap := Candidate{ID: 1, OpenLoop: 1, ClosedLoop: 9}
	dear := Candidate{ID: 2, OpenLoop: 5, ClosedLoop: 2}
	cases := []struct {
		c    Criteria
		want int
	}{
		{Fixed, 2},
		{MinOpenLoop, 2},
		{MaxOpenLoop, 1},
		{MinClosedLoop, 1},
		{MaxClosedLoop, 2},
	}
	for _, tc := range cases {
		if got := tc.c.Loser(cheap, dear, 0, 1); got != tc.want {
			t.Fatalf("%v.Loser = %d, want %d", tc.c, got, tc.want)
		}
	}
	tie := Candidate{ID: 3, OpenLoop: 1}
	if got := MinOpenLoop.Loser(tie, cheap, 5, 0); got != 3 {
		t.Fatalf("tie loser = %d, want later admission 3", got)
	}
}

func TestParseNames(t *testing.T) {
	if s, err := ParseStrategy("Tree"); err != nil || s != Tree {
		t.Fatalf("ParseStrategy = %v, %v", s, err)
	}
	if _, err := ParseStrategy("ring"); err == nil {
		t.Fatalf("ParseStrategy(ring) succeeded")
	}
	if c, err := ParseCriteria("min_closed_loop"); err != nil || c != MinClosedLoop {
		t.Fatalf("ParseCriteria = %v, %v", c, err)
	}
	if _, err := ParseCriteria("cheapest"); err == nil {
		t.Fatalf("ParseCriteria(cheapest) succeeded")
	}
}
