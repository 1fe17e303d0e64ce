package coordinator

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/intersection-coordinator/internal/config"
	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
	"github.com/signalsfoundry/intersection-coordinator/internal/observability"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
	"github.com/signalsfoundry/intersection-coordinator/internal/scheduler"
)

func smallConfig(starts ...config.AgentStart) config.RunConfig {
	cfg := config.Default()
	cfg.Intersection = config.IntersectionConfig{Width: 4.4, Height: 4.4, CellSize: 1.1}
	cfg.Horizon.N = 4
	cfg.Agents.Crosswise = 0
	cfg.Agents.Start = starts
	cfg.Scheduler.Criteria = scheduler.Fixed.String()
	cfg.Run.MaxTicks = 40
	return cfg
}

func trip(name string, sx, sy, tx, ty float64) config.AgentStart {
	return config.AgentStart{Name: name, Start: [2]float64{sx, sy}, Target: [2]float64{tx, ty}}
}

func newOrchestrator(t *testing.T, cfg config.RunConfig, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func step(t *testing.T, o *Orchestrator) TickReport {
	t.Helper()
	report, err := o.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return report
}

func TestSingleAgentRunsUnconstrained(t *testing.T) {
	o := newOrchestrator(t, smallConfig(trip("solo", 0.55, 0.55, 3.85, 3.85)))

	report := step(t, o)
	if !slices.Equal(report.Admitted, []int{0}) {
		t.Fatalf("Admitted = %v, want [0]", report.Admitted)
	}
	if len(report.Rows) != 1 || !slices.Equal(report.Rows[0], []int{0}) {
		t.Fatalf("Rows = %v, want [[0]]", report.Rows)
	}
	view, ok := o.Snapshot().Agent(0)
	if !ok {
		t.Fatalf("agent 0 missing from snapshot")
	}
	if view.Tier != 0 || len(view.Constraints) != 0 {
		t.Fatalf("tier %d with %d constraints, want tier 0 unconstrained", view.Tier, len(view.Constraints))
	}
	initial := (motion.Vec2{X: 3.3, Y: 3.3}).Norm()
	if d := view.Position.DistanceTo(motion.Vec2{X: 3.85, Y: 3.85}); d >= initial {
		t.Fatalf("distance to target = %v, agent did not move", d)
	}
	if o.Clock().Step() != 1 {
		t.Fatalf("clock step = %d, want 1", o.Clock().Step())
	}
}

func TestCrossingAgentsSplitIntoTiers(t *testing.T) {
	o := newOrchestrator(t, smallConfig(
		trip("a", 0, 0, 4, 4),
		trip("b", 4, 0, 0, 4),
	))

	report := step(t, o)
	if len(report.Rows) != 2 || !slices.Equal(report.Rows[0], []int{0}) || !slices.Equal(report.Rows[1], []int{1}) {
		t.Fatalf("Rows = %v, want [[0] [1]]", report.Rows)
	}

	snap := o.Snapshot()
	leader, _ := snap.Agent(0)
	follower, _ := snap.Agent(1)
	if follower.Tier != 1 || !slices.Equal(follower.DependsOn, []int{0}) {
		t.Fatalf("follower tier %d depends on %v, want tier 1 after agent 0", follower.Tier, follower.DependsOn)
	}
	T := o.cfg.Horizon.T
	for i, x := range leader.Prediction {
		cell, ok := o.Grid().CellOf(x)
		if !ok {
			continue
		}
		center := o.Grid().Center(cell)
		at := report.Time + float64(i)*T
		found := slices.ContainsFunc(follower.Constraints, func(c constraint.Constraint) bool {
			return c.Agent == 0 && center.DistanceTo(c.Center) < 1e-9 && math.Abs(c.Time-at) < 1e-9
		})
		if !found {
			t.Fatalf("follower lacks constraint at %v t=%v; has %v", center, at, follower.Constraints)
		}
	}
}

func TestDeferredAdmission(t *testing.T) {
	o := newOrchestrator(t, smallConfig(
		trip("first", 0.55, 0.55, 3.85, 3.85),
		trip("second", 0.55, 0.55, 3.85, 0.55),
	))

	report := step(t, o)
	if !slices.Equal(report.Admitted, []int{0}) {
		t.Fatalf("Admitted = %v, want [0]", report.Admitted)
	}
	if report.Waiting != 1 {
		t.Fatalf("Waiting = %d, want 1", report.Waiting)
	}
	if _, ok := o.Snapshot().Agent(1); ok {
		t.Fatalf("agent 1 entered on an occupied start cell")
	}
}

func TestAddAgentRejectsTripsOutsideGrid(t *testing.T) {
	o := newOrchestrator(t, smallConfig())
	cases := []struct {
		name          string
		start, target motion.Vec2
	}{
		{"start outside", motion.Vec2{X: -1, Y: 1}, motion.Vec2{X: 2, Y: 2}},
		{"target outside", motion.Vec2{X: 1, Y: 1}, motion.Vec2{X: 2, Y: 9}},
		{"already there", motion.Vec2{X: 1, Y: 1}, motion.Vec2{X: 1.01, Y: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := o.AddAgent("", tc.start, tc.target); !errors.Is(err, ErrInvalidAgent) {
				t.Fatalf("AddAgent err = %v, want ErrInvalidAgent", err)
			}
		})
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	o := newOrchestrator(t, smallConfig(trip("solo", 0.55, 0.55, 3.85, 3.85)))
	o.Pause()
	if !o.Paused() {
		t.Fatalf("Paused() = false after Pause")
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Step(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Step returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if !o.Snapshot().Paused {
		t.Fatalf("snapshot does not report pause")
	}

	o.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Step after resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Step did not finish after Resume")
	}
	if o.Clock().Step() != 1 {
		t.Fatalf("clock step = %d, want 1", o.Clock().Step())
	}
}

func TestCancelWhilePausedLeavesClock(t *testing.T) {
	o := newOrchestrator(t, smallConfig(trip("solo", 0.55, 0.55, 3.85, 3.85)))
	o.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Step(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Step err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Step ignored cancellation")
	}
	if o.Clock().Step() != 0 {
		t.Fatalf("clock step = %d, want 0", o.Clock().Step())
	}
	if o.Grid().Reservations(grid.Cell{X: 0, Y: 0}) != 1 {
		t.Fatalf("committed records changed by an aborted tick")
	}
}

func TestRunCompletesAndRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCoordinatorCollector(reg)
	if err != nil {
		t.Fatalf("NewCoordinatorCollector: %v", err)
	}
	sched, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	o := newOrchestrator(t, smallConfig(trip("solo", 0.55, 0.55, 3.85, 3.85)),
		WithMetrics(metrics),
		WithScheduleMetrics(sched),
	)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ticks := o.Clock().Step()
	if ticks >= o.cfg.Run.MaxTicks {
		t.Fatalf("run hit the tick limit, agent never arrived")
	}
	if got := testutil.ToFloat64(metrics.Ticks); got != float64(ticks) {
		t.Fatalf("coordinator_ticks_total = %v, want %d", got, ticks)
	}
	if got := testutil.ToFloat64(metrics.Completed); got != 1 {
		t.Fatalf("coordinator_agents_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveAgents); got != 0 {
		t.Fatalf("coordinator_active_agents = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.ConstraintsPublished.WithLabelValues("FULL")); got == 0 {
		t.Fatalf("no constraints published")
	}
	if got := testutil.ToFloat64(sched.Tiers); got != 1 {
		t.Fatalf("coordinator_scheduler_tiers = %v, want 1", got)
	}
	if !o.idle() {
		t.Fatalf("orchestrator not idle after Run")
	}
}

func TestCommittedSlotsStayExclusive(t *testing.T) {
	cfg := config.Default()
	cfg.Horizon.N = 6
	cfg.Scheduler.Strategy = scheduler.Hierarchical.String()
	o := newOrchestrator(t, cfg)

	cols, rows := o.Grid().Dims()
	for tick := 0; tick < 6; tick++ {
		report := step(t, o)
		for _, id := range report.Applied {
			view, ok := o.Snapshot().Agent(id)
			if !ok {
				continue
			}
			cell, _ := o.Grid().CellOf(view.Position)
			held := slices.ContainsFunc(o.Grid().Committed(cell), func(r grid.Record) bool {
				return r.Agent == id && math.Abs(r.Time-o.t0()) < 1e-9
			})
			if !held {
				t.Fatalf("tick %d: agent %d at %v without a committed slot", tick, id, cell)
			}
		}
		for x := 0; x < cols; x++ {
			for y := 0; y < rows; y++ {
				seen := map[float64]int{}
				for _, r := range o.Grid().Committed(grid.Cell{X: x, Y: y}) {
					if other, dup := seen[r.Time]; dup {
						t.Fatalf("cell (%d,%d) t=%v committed to %d and %d", x, y, r.Time, other, r.Agent)
					}
					seen[r.Time] = r.Agent
				}
			}
		}
	}
}

type recorder struct {
	mu    sync.Mutex
	ticks []int
	snaps []Snapshot
}

func (r *recorder) OnTick(_ context.Context, report TickReport, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, report.Tick)
	r.snaps = append(r.snaps, snap)
}

func TestObserversSeeEveryTick(t *testing.T) {
	rec := &recorder{}
	o := newOrchestrator(t, smallConfig(trip("solo", 0.55, 0.55, 3.85, 3.85)), WithObserver(rec))
	step(t, o)
	step(t, o)

	if !slices.Equal(rec.ticks, []int{0, 1}) {
		t.Fatalf("observed ticks = %v, want [0 1]", rec.ticks)
	}
	if rec.snaps[1].Tick != 2 || len(rec.snaps[1].Agents) != 1 {
		t.Fatalf("snapshot = %+v, want tick 2 with one agent", rec.snaps[1])
	}
}

// infeasible wraps a real controller but reports every plan as infeasible.
type infeasible struct {
	planner.Controller
}

func (c infeasible) Optimize(ctx context.Context, req planner.Request) (planner.Result, error) {
	res, err := c.Controller.Optimize(ctx, req)
	if err != nil && !errors.Is(err, planner.ErrOptimizerInfeasible) {
		return res, err
	}
	return res, &planner.InfeasibleError{Agent: req.Agent, Violation: 1, Reason: "test"}
}

func infeasibleFactory(alg planner.Algorithm) ControllerFactory {
	return func(_ int, opts planner.Options) (planner.Controller, error) {
		c, err := planner.New(alg, opts)
		if err != nil {
			return nil, err
		}
		return infeasible{c}, nil
	}
}

func TestBlockedAgentKeepsItsCell(t *testing.T) {
	blocked := motion.Vec2{X: 2.75, Y: 2.75}
	cfg := smallConfig(
		trip("mover", 0.55, 2.75, 3.85, 2.75),
		trip("stuck", blocked.X, blocked.Y, 2.75, 0.55),
	)
	cfg.Replan.OnInfeasible = config.OnInfeasibleHold
	cfg.Replan.MaxAttempts = 1
	stuck := infeasibleFactory(planner.Gradient)
	factory := func(id int, opts planner.Options) (planner.Controller, error) {
		if id == 1 {
			return stuck(id, opts)
		}
		return planner.New(planner.Gradient, opts)
	}
	o := newOrchestrator(t, cfg, WithControllerFactory(factory))

	held, _ := o.Grid().CellOf(blocked)
	for tick := 0; tick < 12; tick++ {
		report := step(t, o)
		if len(report.Unheld) != 0 {
			t.Fatalf("tick %d: Unheld = %v", tick, report.Unheld)
		}
		snap := o.Snapshot()
		view, ok := snap.Agent(1)
		if !ok {
			continue
		}
		if !slices.ContainsFunc(o.Grid().Committed(held), func(r grid.Record) bool {
			return r.Agent == 1 && math.Abs(r.Time-o.t0()) < 1e-9
		}) {
			t.Fatalf("tick %d: blocked agent has no committed slot in %v; committed=%v", tick, held, o.Grid().Committed(held))
		}
		mover, ok := snap.Agent(0)
		if !ok {
			continue
		}
		if cell, _ := o.Grid().CellOf(mover.Position); cell == held {
			t.Fatalf("tick %d: mover at %v shares cell %v with blocked agent at %v", tick, mover.Position, held, view.Position)
		}
	}
}

func TestInfeasiblePolicies(t *testing.T) {
	start := motion.Vec2{X: 0.55, Y: 0.55}
	for _, policy := range []string{config.OnInfeasibleHold, config.OnInfeasibleContinue} {
		t.Run(policy, func(t *testing.T) {
			cfg := smallConfig(trip("solo", start.X, start.Y, 3.85, 3.85))
			cfg.Replan.OnInfeasible = policy
			cfg.Replan.MaxAttempts = 1
			o := newOrchestrator(t, cfg, WithControllerFactory(infeasibleFactory(planner.Gradient)))

			report := step(t, o)
			view, _ := o.Snapshot().Agent(0)
			switch policy {
			case config.OnInfeasibleHold:
				if err := report.Blocked[0]; !errors.Is(err, ErrOptimizerInfeasible) {
					t.Fatalf("Blocked[0] = %v, want ErrOptimizerInfeasible", err)
				}
				if view.Position != start || !view.Blocked {
					t.Fatalf("held agent at %v blocked=%v, want %v blocked", view.Position, view.Blocked, start)
				}
			case config.OnInfeasibleContinue:
				if !slices.Equal(report.Degraded, []int{0}) || len(report.Blocked) != 0 {
					t.Fatalf("Degraded = %v Blocked = %v, want agent 0 degraded", report.Degraded, report.Blocked)
				}
				if view.Position == start {
					t.Fatalf("degraded agent did not move")
				}
			}
			if report.Replans == 0 {
				t.Fatalf("Replans = 0, want a second pass")
			}
		})
	}
}

func TestReservationConflictAddsAvoidConstraint(t *testing.T) {
	o := newOrchestrator(t, smallConfig())
	if _, err := o.grid.TryReserve(7, grid.Cell{X: 1, Y: 1}, 1.5); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	err := o.grid.Claim(3, grid.Cell{X: 1, Y: 1}, 1.5)
	if !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("Claim err = %v, want ErrReservationConflict", err)
	}
	c, ok := o.avoid(err)
	if !ok {
		t.Fatalf("avoid(%v) = false", err)
	}
	if c.Agent != 7 || c.Time != 1.5 || c.Center != o.grid.Center(grid.Cell{X: 1, Y: 1}) {
		t.Fatalf("avoid = %v, want holder 7 at cell (1,1) t=1.5", c)
	}
	if _, ok := o.avoid(errors.New("other")); ok {
		t.Fatalf("avoid accepted a non-conflict error")
	}
}

func TestBiasedGuessCycles(t *testing.T) {
	o := newOrchestrator(t, smallConfig())
	a := &Agent{State: motion.Vec2{X: 0.55, Y: 0.55}, Target: motion.Vec2{X: 3.85, Y: 0.55}}
	direct := o.directGuess(a)

	left := o.biasedGuess(a, 1)
	right := o.biasedGuess(a, 2)
	stay := o.biasedGuess(a, 3)
	if left[0].Y <= 0 || right[0].Y >= 0 {
		t.Fatalf("first controls left=%v right=%v, want opposite sidesteps", left[0], right[0])
	}
	if last := len(direct) - 1; left[last] != direct[last] {
		t.Fatalf("second half changed: %v vs %v", left[last], direct[last])
	}
	for i, u := range stay {
		if u != (motion.Vec2{}) {
			t.Fatalf("stay[%d] = %v, want zero", i, u)
		}
	}
}

func TestFatalErrors(t *testing.T) {
	if !Fatal(&scheduler.CycleError{}) {
		t.Fatalf("cycle not fatal")
	}
	if !Fatal(constraint.ErrMalformedConstraintSet) {
		t.Fatalf("malformed constraint set not fatal")
	}
	if Fatal(&grid.ConflictError{}) || Fatal(&planner.InfeasibleError{}) {
		t.Fatalf("recoverable error reported as fatal")
	}
}
