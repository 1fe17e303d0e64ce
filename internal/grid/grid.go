// Package grid implements the time-indexed reservation grid shared by all
// agents of one run. Every cell keeps a committed queue (the durable outcome
// of past ticks) and a preliminary queue (scratch space for the current
// optimization attempt).
package grid

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

const timeEpsilon = 1e-9

// Cell is an integer grid coordinate.
type Cell struct {
	X, Y int
}

// Chebyshev returns the infinity-norm distance between two cells.
func (c Cell) Chebyshev(o Cell) int {
	dx, dy := c.X-o.X, c.Y-o.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return max(dx, dy)
}

// Record is one reservation of a cell by an agent at a time.
type Record struct {
	Agent int
	Time  float64
}

type queues struct {
	committed   []Record
	preliminary []Record
}

// Grid is the reservation grid of one intersection. A Grid is owned by the
// coordinator of a single run and passed explicitly to its collaborators.
type Grid struct {
	mu sync.RWMutex

	cols, rows int
	cellSize   float64
	step       float64
	cells      []queues
}

// New builds a grid covering width x height metres with square cells of
// cellSize, where reservations are spaced by the sampling step.
func New(width, height, cellSize, step float64) (*Grid, error) {
	if width <= 0 || height <= 0 || cellSize <= 0 || step <= 0 {
		return nil, fmt.Errorf("%w: width=%v height=%v cell=%v step=%v", ErrInvalidGeometry, width, height, cellSize, step)
	}
	cols := int(math.Ceil(width/cellSize - timeEpsilon))
	rows := int(math.Ceil(height/cellSize - timeEpsilon))
	return &Grid{
		cols:     cols,
		rows:     rows,
		cellSize: cellSize,
		step:     step,
		cells:    make([]queues, cols*rows),
	}, nil
}

// Dims returns the number of columns and rows.
func (g *Grid) Dims() (int, int) { return g.cols, g.rows }

// CellSize returns the edge length of one cell.
func (g *Grid) CellSize() float64 { return g.cellSize }

// Step returns the sampling step reservations are spaced by.
func (g *Grid) Step() float64 { return g.step }

// Contains reports whether c lies inside the grid.
func (g *Grid) Contains(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < g.cols && c.Y < g.rows
}

// CellOf maps a continuous position to its cell. The boolean is false when
// the position lies outside the grid; the cell is still returned so callers
// can reason about neighbourhoods.
func (g *Grid) CellOf(p motion.Vec2) (Cell, bool) {
	c := Cell{X: int(math.Floor(p.X / g.cellSize)), Y: int(math.Floor(p.Y / g.cellSize))}
	return c, g.Contains(c)
}

// Center returns the continuous centre of c.
func (g *Grid) Center(c Cell) motion.Vec2 {
	return motion.Vec2{X: g.cellSize * (float64(c.X) + 0.5), Y: g.cellSize * (float64(c.Y) + 0.5)}
}

func (g *Grid) at(c Cell) *queues {
	return &g.cells[c.Y*g.cols+c.X]
}

func sameTime(a, b float64) bool {
	return math.Abs(a-b) <= timeEpsilon*math.Max(1, math.Abs(a))
}

func holderAt(rs []Record, t float64) (int, bool) {
	for _, r := range rs {
		if sameTime(r.Time, t) {
			return r.Agent, true
		}
	}
	return 0, false
}

func insertSorted(rs []Record, r Record) []Record {
	idx := sort.Search(len(rs), func(i int) bool { return rs[i].Time > r.Time })
	rs = append(rs, Record{})
	copy(rs[idx+1:], rs[idx:])
	rs[idx] = r
	return rs
}

// TryReserve records a preliminary reservation of cell for agent at the
// earliest time t' = t + k*step (k >= 0) that is free in the preliminary
// queue, and returns t'. A slot the agent already holds counts as free and is
// returned without adding a second record.
func (g *Grid) TryReserve(agent int, cell Cell, t float64) (float64, error) {
	if !g.Contains(cell) {
		return 0, fmt.Errorf("%w: %v", ErrCellOutOfRange, cell)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	q := g.at(cell)
	for k := 0; ; k++ {
		candidate := t + float64(k)*g.step
		holder, taken := holderAt(q.preliminary, candidate)
		if taken && holder != agent {
			continue
		}
		if !taken {
			q.preliminary = insertSorted(q.preliminary, Record{Agent: agent, Time: candidate})
		}
		return candidate, nil
	}
}

// Claim reserves exactly (cell, t) in the preliminary queue. When the slot is
// held by another agent nothing is recorded and a *ConflictError naming the
// holder is returned.
func (g *Grid) Claim(agent int, cell Cell, t float64) error {
	if !g.Contains(cell) {
		return fmt.Errorf("%w: %v", ErrCellOutOfRange, cell)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	q := g.at(cell)
	if holder, taken := holderAt(q.preliminary, t); taken {
		if holder == agent {
			return nil
		}
		return &ConflictError{Agent: agent, Cell: cell, Time: t, Holder: holder}
	}
	q.preliminary = insertSorted(q.preliminary, Record{Agent: agent, Time: t})
	return nil
}

// Commit promotes the agent's preliminary record for (cell, t) into the
// committed queue. It fails with a *ConflictError if another agent committed
// the slot since the snapshot.
func (g *Grid) Commit(agent int, cell Cell, t float64) error {
	if !g.Contains(cell) {
		return fmt.Errorf("%w: %v", ErrCellOutOfRange, cell)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	q := g.at(cell)
	if holder, taken := holderAt(q.committed, t); taken {
		if holder == agent {
			return nil
		}
		return &ConflictError{Agent: agent, Cell: cell, Time: t, Holder: holder}
	}
	held := false
	for _, r := range q.preliminary {
		if r.Agent == agent && sameTime(r.Time, t) {
			held = true
			break
		}
	}
	if !held {
		return fmt.Errorf("%w: agent %d cell %v t=%.3f", ErrNotReserved, agent, cell, t)
	}
	q.committed = insertSorted(q.committed, Record{Agent: agent, Time: t})
	return nil
}

// SnapshotCommittedAsPreliminary resets every preliminary queue to a copy of
// the committed queue.
func (g *Grid) SnapshotCommittedAsPreliminary() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		q := &g.cells[i]
		q.preliminary = append(q.preliminary[:0], q.committed...)
	}
}

// ClearPreliminary removes the agent's preliminary records that are not
// backed by a committed record. Records of other agents are never touched,
// and a second call is a no-op.
func (g *Grid) ClearPreliminary(agent int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		q := &g.cells[i]
		kept := q.preliminary[:0]
		for _, r := range q.preliminary {
			if r.Agent == agent {
				if h, ok := holderAt(q.committed, r.Time); !ok || h != agent {
					continue
				}
			}
			kept = append(kept, r)
		}
		q.preliminary = kept
	}
}

// Release drops the agent's preliminary record for (cell, t) unless it is
// backed by a committed one.
func (g *Grid) Release(agent int, cell Cell, t float64) {
	if !g.Contains(cell) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.at(cell)
	if h, ok := holderAt(q.committed, t); ok && h == agent {
		return
	}
	for i, r := range q.preliminary {
		if r.Agent == agent && sameTime(r.Time, t) {
			q.preliminary = append(q.preliminary[:i], q.preliminary[i+1:]...)
			return
		}
	}
}

// ReleaseAgent drops every record, committed or preliminary, held by agent.
func (g *Grid) ReleaseAgent(agent int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		q := &g.cells[i]
		q.committed = dropAgent(q.committed, agent)
		q.preliminary = dropAgent(q.preliminary, agent)
	}
}

func dropAgent(rs []Record, agent int) []Record {
	kept := rs[:0]
	for _, r := range rs {
		if r.Agent != agent {
			kept = append(kept, r)
		}
	}
	return kept
}

// PruneBefore drops committed records strictly older than t.
func (g *Grid) PruneBefore(t float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		q := &g.cells[i]
		kept := q.committed[:0]
		for _, r := range q.committed {
			if r.Time >= t || sameTime(r.Time, t) {
				kept = append(kept, r)
			}
		}
		q.committed = kept
	}
}

// Committed returns a copy of the committed queue of c.
func (g *Grid) Committed(c Cell) []Record {
	if !g.Contains(c) {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Record(nil), g.at(c).committed...)
}

// Preliminary returns a copy of the preliminary queue of c.
func (g *Grid) Preliminary(c Cell) []Record {
	if !g.Contains(c) {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Record(nil), g.at(c).preliminary...)
}

// Reservations returns the number of committed records held in c.
func (g *Grid) Reservations(c Cell) int {
	if !g.Contains(c) {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.at(c).committed)
}

// Occupancy returns the committed record count of every non-empty cell.
func (g *Grid) Occupancy() map[Cell]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Cell]int)
	for i := range g.cells {
		if n := len(g.cells[i].committed); n > 0 {
			out[Cell{X: i % g.cols, Y: i / g.cols}] = n
		}
	}
	return out
}
