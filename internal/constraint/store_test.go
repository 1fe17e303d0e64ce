package constraint

import (
	"testing"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

func at(agent int, x, tm float64) Constraint {
	return Constraint{Agent: agent, Center: motion.Vec2{X: x}, Time: tm, Radius: 1}
}

func TestStoreInsertReplacesEqualTimes(t *testing.T) {
	s := NewStore()
	s.Insert(1, []Constraint{at(1, 0, 0), at(1, 0, 0.5), at(1, 0, 1.0)}, Full)
	s.Insert(1, []Constraint{at(1, 9, 0.5)}, Differential)

	got := s.For(1)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].Center.X != 9 {
		t.Fatalf("equal-time constraint not replaced: %v", got)
	}
}

func TestStoreIntervalReplacesAll(t *testing.T) {
	s := NewStore()
	s.Insert(1, []Constraint{at(1, 0, 0), at(1, 0, 0.5)}, Full)
	lo, hi := at(1, 0, 0.5), at(1, 2, 0.5)
	lo.Kind, hi.Kind = Min, Max
	s.Insert(1, []Constraint{lo, hi}, MinMaxInterval)
	if got := s.For(1); len(got) != 2 || got[0].Kind != Min {
		t.Fatalf("For(1) = %v, want the interval pair", got)
	}
}

func TestStoreDeleteOlderThanAndQueries(t *testing.T) {
	s := NewStore()
	s.Insert(1, []Constraint{at(1, 0, 0), at(1, 0, 0.5)}, Full)
	s.Insert(2, []Constraint{at(2, 0, 0)}, Full)
	s.Insert(3, []Constraint{at(3, 0, 1)}, Full)

	if n := s.DeleteOlderThan(0.5); n != 2 {
		t.Fatalf("DeleteOlderThan removed %d, want 2", n)
	}
	if agents := s.Agents(); len(agents) != 2 || agents[0] != 1 || agents[1] != 3 {
		t.Fatalf("Agents = %v, want [1 3]", agents)
	}
	if got := s.Except(1); len(got) != 1 || got[0].Agent != 3 {
		t.Fatalf("Except(1) = %v", got)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	s.RemoveAgent(1)
	s.RemoveAgent(3)
	if !s.Empty() {
		t.Fatalf("store not empty after removals")
	}
}
