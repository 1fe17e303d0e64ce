package coordinator

import (
	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
)

// Agent is one car inside the intersection. Agents are addressed by their
// ID everywhere else; only the driver goroutine mutates them.
type Agent struct {
	ID         int
	Name       string
	State      motion.Vec2
	Target     motion.Vec2
	Controller planner.Controller

	// Constraints are the ones that bound the agent during the current tick.
	Constraints []constraint.Constraint
	// CellsReserved and Communicated count what the agent published over
	// its lifetime: expanded cell-time slots and sent constraints.
	CellsReserved int
	Communicated  int

	Tier       int
	Prediction []motion.Vec2
	Control    []motion.Vec2
	Occupied   []grid.Cell
	LastCost   float64
	Admitted   int

	hasCost   bool
	published bool
	outcome   outcome
}

// pending is an agent that arrived but has not entered yet.
type pending struct {
	id     int
	name   string
	start  motion.Vec2
	target motion.Vec2
	since  int
}

// outcome is the settled plan of an agent for one tick.
type outcome struct {
	res       planner.Result
	err       error
	replans   int
	conflicts int
	degraded  bool
}

func (o outcome) blocked() bool { return o.err != nil }

func holdStates(x motion.Vec2, n int) []motion.Vec2 {
	states := make([]motion.Vec2, n)
	for i := range states {
		states[i] = x
	}
	return states
}
