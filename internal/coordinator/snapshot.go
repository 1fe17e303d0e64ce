package coordinator

import (
	"maps"
	"slices"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// AgentView is a read-only copy of an agent after a tick.
type AgentView struct {
	ID         int
	Name       string
	Position   motion.Vec2
	Target     motion.Vec2
	Tier       int
	Prediction []motion.Vec2
	Occupied   []grid.Cell
	// Constraints are the ones the agent consumed during the tick.
	Constraints    []constraint.Constraint
	OpenLoopCost   float64
	ClosedLoopCost float64
	CellsReserved  int
	Communicated   int
	Blocked        bool
	// DependsOn lists every agent the tier of this one is ordered after.
	DependsOn []int
}

// Snapshot is the state observers see after a tick.
type Snapshot struct {
	Tick      int
	Time      float64
	Paused    bool
	Agents    []AgentView
	Removed   []int
	Blocked   []int
	Waiting   int
	Rows      [][]int
	Occupancy map[grid.Cell]int
}

// Agent returns the view of id.
func (s Snapshot) Agent(id int) (AgentView, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentView{}, false
}

// Snapshot returns the state after the last completed tick.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := o.last
	o.mu.Unlock()
	snap.Paused = o.Paused()
	return snap
}

func (o *Orchestrator) snapshot(report TickReport) Snapshot {
	snap := Snapshot{
		Tick:      o.clock.Step(),
		Time:      o.t0(),
		Removed:   slices.Clone(report.Completed),
		Blocked:   slices.Sorted(maps.Keys(report.Blocked)),
		Waiting:   report.Waiting,
		Rows:      report.Rows,
		Occupancy: o.grid.Occupancy(),
	}
	for _, id := range o.activeIDs() {
		a := o.agents[id]
		_, blocked := report.Blocked[id]
		snap.Agents = append(snap.Agents, AgentView{
			ID:             a.ID,
			Name:           a.Name,
			Position:       a.State,
			Target:         a.Target,
			Tier:           a.Tier,
			Prediction:     slices.Clone(a.Prediction),
			Occupied:       slices.Clone(a.Occupied),
			Constraints:    slices.Clone(a.Constraints),
			OpenLoopCost:   a.LastCost,
			ClosedLoopCost: a.Controller.ClosedLoopCost(),
			CellsReserved:  a.CellsReserved,
			Communicated:   a.Communicated,
			Blocked:        blocked,
			DependsOn:      o.queue.RecursivePredecessors(id),
		})
	}
	return snap
}
