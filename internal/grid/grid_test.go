package grid

import (
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

func newTestGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := New(12, 12, 1.1, 0.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewRejectsBadGeometry(t *testing.T) {
	if _, err := New(12, 12, 0, 0.5); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("New(cell=0) err = %v, want ErrInvalidGeometry", err)
	}
}

func TestDimsAndCellOf(t *testing.T) {
	g := newTestGrid(t)
	cols, rows := g.Dims()
	if cols != 11 || rows != 11 {
		t.Fatalf("Dims = %dx%d, want 11x11", cols, rows)
	}
	c, ok := g.CellOf(motion.Vec2{X: 2.3, Y: 0.2})
	if !ok || c != (Cell{X: 2, Y: 0}) {
		t.Fatalf("CellOf = %v,%v, want {2 0},true", c, ok)
	}
	if _, ok := g.CellOf(motion.Vec2{X: -0.1}); ok {
		t.Fatalf("CellOf outside grid reported inside")
	}
	center := g.Center(Cell{X: 1, Y: 2})
	if math.Abs(center.X-1.65) > 1e-12 || math.Abs(center.Y-2.75) > 1e-12 {
		t.Fatalf("Center = %v, want {1.65 2.75}", center)
	}
}

func TestTryReserveFreeTimeMonotonicity(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 3, Y: 3}

	for agent := 1; agent <= 4; agent++ {
		got, err := g.TryReserve(agent, cell, 1.0)
		if err != nil {
			t.Fatalf("TryReserve(agent %d): %v", agent, err)
		}
		k := (got - 1.0) / 0.5
		if got < 1.0 || math.Abs(k-math.Round(k)) > 1e-9 {
			t.Fatalf("TryReserve(agent %d) = %v, want 1.0 + k*0.5", agent, got)
		}
		if want := 1.0 + float64(agent-1)*0.5; math.Abs(got-want) > 1e-9 {
			t.Fatalf("TryReserve(agent %d) = %v, want %v", agent, got, want)
		}
	}
	// Repeated reservation by the same agent returns its existing slot.
	again, _ := g.TryReserve(2, cell, 1.0)
	if math.Abs(again-1.5) > 1e-9 {
		t.Fatalf("TryReserve repeat = %v, want 1.5", again)
	}
	if n := len(g.Preliminary(cell)); n != 4 {
		t.Fatalf("preliminary records = %d, want 4", n)
	}
}

func TestTryReservePrefersEarlierFreeSlot(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 1, Y: 1}
	if err := g.Claim(5, cell, 2.0); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	got, err := g.TryReserve(5, cell, 1.0)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("TryReserve = %v, want 1.0 ahead of the own slot at 2.0", got)
	}
	if n := len(g.Preliminary(cell)); n != 2 {
		t.Fatalf("preliminary records = %d, want 2", n)
	}

	_ = g.Claim(6, cell, 3.0)
	got, _ = g.TryReserve(5, cell, 2.0)
	if math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("TryReserve from own slot = %v, want 2.0", got)
	}
	if n := len(g.Preliminary(cell)); n != 3 {
		t.Fatalf("preliminary records = %d, want 3", n)
	}
}

func TestTryReserveOutOfRange(t *testing.T) {
	g := newTestGrid(t)
	if _, err := g.TryReserve(1, Cell{X: 99, Y: 0}, 0); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("err = %v, want ErrCellOutOfRange", err)
	}
}

func TestCommitMutualExclusion(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 1, Y: 1}

	if err := g.Claim(1, cell, 0.5); err != nil {
		t.Fatalf("Claim(1): %v", err)
	}
	if err := g.Commit(1, cell, 0.5); err != nil {
		t.Fatalf("Commit(1): %v", err)
	}

	// Agent 2 worked from a stale snapshot and believes the slot is free.
	g.ClearPreliminary(1)
	g.mu.Lock()
	q := g.at(cell)
	q.preliminary = []Record{{Agent: 2, Time: 0.5}}
	g.mu.Unlock()

	err := g.Commit(2, cell, 0.5)
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("Commit(2) err = %v, want ConflictError", err)
	}
	if ce.Holder != 1 {
		t.Fatalf("Holder = %d, want 1", ce.Holder)
	}

	seen := map[float64]int{}
	for _, r := range g.Committed(cell) {
		if prev, ok := seen[r.Time]; ok && prev != r.Agent {
			t.Fatalf("slot %v held by %d and %d", r.Time, prev, r.Agent)
		}
		seen[r.Time] = r.Agent
	}
}

func TestCommitRequiresPreliminary(t *testing.T) {
	g := newTestGrid(t)
	if err := g.Commit(1, Cell{X: 0, Y: 0}, 0.5); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("err = %v, want ErrNotReserved", err)
	}
}

func TestClaimReportsHolder(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 4, Y: 4}
	if err := g.Claim(7, cell, 2); err != nil {
		t.Fatalf("Claim(7): %v", err)
	}
	if err := g.Claim(7, cell, 2); err != nil {
		t.Fatalf("repeat Claim(7): %v", err)
	}
	err := g.Claim(8, cell, 2)
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Holder != 7 {
		t.Fatalf("Claim(8) err = %v, want conflict held by 7", err)
	}
	if n := len(g.Preliminary(cell)); n != 1 {
		t.Fatalf("failed claim left %d records, want 1", n)
	}
}

func TestClearPreliminaryIdempotentAndScoped(t *testing.T) {
	g := newTestGrid(t)
	a, b := Cell{X: 0, Y: 0}, Cell{X: 5, Y: 5}
	_ = g.Claim(1, a, 0.5)
	_ = g.Commit(1, a, 0.5)
	_, _ = g.TryReserve(1, b, 1.0)
	_, _ = g.TryReserve(2, b, 1.0)

	g.ClearPreliminary(1)
	first := append(g.Preliminary(a), g.Preliminary(b)...)
	g.ClearPreliminary(1)
	second := append(g.Preliminary(a), g.Preliminary(b)...)

	if len(first) != len(second) {
		t.Fatalf("second ClearPreliminary changed state: %v -> %v", first, second)
	}
	if got := g.Preliminary(b); len(got) != 1 || got[0].Agent != 2 {
		t.Fatalf("Preliminary(b) = %v, want only agent 2", got)
	}
	if got := g.Preliminary(a); len(got) != 1 || got[0].Agent != 1 {
		t.Fatalf("committed-backed record removed: %v", got)
	}
}

func TestSnapshotAndPrune(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 2, Y: 2}
	for i, tm := range []float64{0.5, 1.0, 1.5} {
		_ = g.Claim(i+1, cell, tm)
		_ = g.Commit(i+1, cell, tm)
	}
	_, _ = g.TryReserve(9, cell, 3)

	g.PruneBefore(1.0)
	if got := g.Reservations(cell); got != 2 {
		t.Fatalf("Reservations after prune = %d, want 2", got)
	}
	g.SnapshotCommittedAsPreliminary()
	prelim := g.Preliminary(cell)
	if len(prelim) != 2 || prelim[0].Time != 1.0 || prelim[1].Time != 1.5 {
		t.Fatalf("Preliminary after snapshot = %v", prelim)
	}
	if occ := g.Occupancy(); occ[cell] != 2 || len(occ) != 1 {
		t.Fatalf("Occupancy = %v", occ)
	}
}

func TestReleaseAgent(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 2, Y: 2}
	_ = g.Claim(1, cell, 0.5)
	_ = g.Commit(1, cell, 0.5)
	_ = g.Claim(2, cell, 1.0)
	g.ReleaseAgent(1)
	if g.Reservations(cell) != 0 {
		t.Fatalf("committed records remain after release")
	}
	if p := g.Preliminary(cell); len(p) != 1 || p[0].Agent != 2 {
		t.Fatalf("Preliminary = %v, want agent 2 only", p)
	}
}

func TestEntryPointsAndExits(t *testing.T) {
	g := newTestGrid(t)
	entries := g.EntryPoints()
	if len(entries) != 20 {
		t.Fatalf("len(EntryPoints) = %d, want 20", len(entries))
	}
	for _, e := range entries {
		if !g.Contains(e.Cell) {
			t.Fatalf("entry %v outside grid", e)
		}
		exit := g.ExitFor(e)
		if !g.Contains(exit) {
			t.Fatalf("exit %v outside grid", exit)
		}
		dir := g.Center(exit).Sub(g.Center(e.Cell))
		if dir.X*e.Heading.X+dir.Y*e.Heading.Y <= 0 {
			t.Fatalf("exit %v not ahead of entry %v", exit, e)
		}
	}
}

func TestReleaseDropsOnlyUncommittedSlot(t *testing.T) {
	g := newTestGrid(t)
	cell := Cell{X: 0, Y: 1}
	_ = g.Claim(1, cell, 0.5)
	_ = g.Commit(1, cell, 0.5)
	_ = g.Claim(1, cell, 1.0)

	g.Release(1, cell, 0.5)
	g.Release(1, cell, 1.0)
	g.Release(2, Cell{X: 99, Y: 99}, 1.0)

	p := g.Preliminary(cell)
	if len(p) != 1 || p[0].Time != 0.5 {
		t.Fatalf("Preliminary = %v, want only the committed slot at 0.5", p)
	}
	if err := g.Claim(2, cell, 1.0); err != nil {
		t.Fatalf("Claim after release: %v", err)
	}
}
