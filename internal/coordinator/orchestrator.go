// Package coordinator drives the per-tick coordination of agents crossing the
// intersection: predictions, tier assignment, constrained planning, grid
// reservations and admission of new agents.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/intersection-coordinator/internal/arrival"
	"github.com/signalsfoundry/intersection-coordinator/internal/config"
	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
	"github.com/signalsfoundry/intersection-coordinator/internal/scheduler"
	"github.com/signalsfoundry/intersection-coordinator/timectrl"
)

const tracerName = "github.com/signalsfoundry/intersection-coordinator/internal/coordinator"

// TickReport summarises one tick. Every agent that took part is either in
// Applied or in Blocked.
type TickReport struct {
	Tick int
	Time float64
	Rows [][]int

	Applied []int
	// Blocked maps agents that held their position to the reason, an error
	// matching ErrReservationConflict or ErrOptimizerInfeasible.
	Blocked map[int]error
	// Degraded lists agents that moved on an infeasible plan under the
	// "continue" policy.
	Degraded []int
	// Unheld maps blocked agents whose cell could not be committed for the
	// next step to the conflict. The grid has no record of them standing
	// there, so this is never expected to be populated.
	Unheld map[int]error

	Arrived   []int
	Admitted  []int
	Completed []int
	Waiting   int

	Replans   int
	Conflicts int
	Published int
}

// Orchestrator owns the state of one coordination run. Step and Run must be
// called from a single goroutine; AddAgent, Pause, Resume and Snapshot are
// safe to call concurrently.
type Orchestrator struct {
	cfg       config.RunConfig
	scheme    constraint.Scheme
	alg       planner.Algorithm
	onHold    bool
	reopt     float64
	accept    float64
	tolerance float64

	grid       *grid.Grid
	queue      *scheduler.Queue
	sorter     *scheduler.Sorter
	formulator *constraint.Formulator
	store      *constraint.Store
	clock      *timectrl.TimeController
	events     *timectrl.EventQueue
	arrivals   arrival.Source

	newController ControllerFactory
	log           logging.Logger
	metrics       MetricsRecorder
	schedMetrics  ScheduleRecorder
	observers     []Observer
	gate          *gate

	stepMu  sync.Mutex
	agents  map[int]*Agent
	waiting []*pending

	mu       sync.Mutex
	nextID   int
	incoming []*pending
	last     Snapshot
}

// New builds an orchestrator for cfg. Agents from the fixed start list and
// the crosswise generator are queued for admission on the first tick.
func New(cfg config.RunConfig, opts ...Option) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scheme, _ := cfg.Scheme()
	strategy, _ := cfg.Strategy()
	criteria, _ := cfg.Criteria()
	alg, _ := cfg.Algorithm()

	g, err := grid.New(cfg.Intersection.Width, cfg.Intersection.Height, cfg.Intersection.CellSize, cfg.Horizon.T)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:          cfg,
		scheme:       scheme,
		alg:          alg,
		onHold:       cfg.Replan.OnInfeasible == config.OnInfeasibleHold,
		reopt:        cfg.ReoptimizeBound(),
		accept:       cfg.AcceptanceBound(),
		tolerance:    cfg.Agents.TargetTolerance,
		grid:         g,
		queue:        scheduler.NewQueue(),
		formulator:   constraint.NewFormulator(cfg.ConstraintParams()),
		store:        constraint.NewStore(),
		log:          logging.Noop(),
		metrics:      nopMetrics{},
		schedMetrics: nopMetrics{},
		gate:         newGate(),
		agents:       make(map[int]*Agent),
	}
	o.newController = func(_ int, opts planner.Options) (planner.Controller, error) {
		return planner.New(o.alg, opts)
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.clock == nil {
		tick := time.Duration(math.Round(cfg.Horizon.T * float64(time.Second)))
		o.clock = timectrl.NewTimeController(time.Unix(0, 0).UTC(), tick, timectrl.ParseMode(cfg.Run.Mode))
	}
	o.events = timectrl.NewEventQueue(o.clock)
	o.sorter = scheduler.NewSorter(scheduler.Config{
		Strategy: strategy,
		Criteria: criteria,
		T:        cfg.Horizon.T,
		Margin:   cfg.SafetyMargin(),
	}, g, o.queue, scheduler.WithLogger(o.log))

	if o.arrivals == nil && cfg.Arrivals.Enabled {
		o.arrivals = arrival.NewPoisson(g, cfg.Arrivals.Seed, cfg.ArrivalsPerTick(cfg.Arrivals.Mean), func(s grid.Side) (float64, bool) {
			for name, mean := range cfg.Arrivals.Sides {
				if side, ok := config.ParseSide(name); ok && side == s {
					return cfg.ArrivalsPerTick(mean), true
				}
			}
			return 0, false
		})
	}

	for _, a := range cfg.Agents.Start {
		start := motion.Vec2{X: a.Start[0], Y: a.Start[1]}
		target := motion.Vec2{X: a.Target[0], Y: a.Target[1]}
		if _, err := o.AddAgent(a.Name, start, target); err != nil {
			return nil, err
		}
	}
	for _, s := range arrival.Crosswise(g, cfg.Agents.Crosswise) {
		if _, err := o.AddAgent("crosswise-"+s.Entry.Side.String(), s.Start, s.Target); err != nil {
			return nil, err
		}
	}
	o.last = Snapshot{Occupancy: map[grid.Cell]int{}}
	return o, nil
}

// Grid exposes the reservation grid of the run.
func (o *Orchestrator) Grid() *grid.Grid { return o.grid }

// Queue exposes the tier structure of the run.
func (o *Orchestrator) Queue() *scheduler.Queue { return o.queue }

// Clock exposes the simulation clock.
func (o *Orchestrator) Clock() *timectrl.TimeController { return o.clock }

// ReoptimizeBound is the cost jump that forces a second optimization pass.
func (o *Orchestrator) ReoptimizeBound() float64 { return o.reopt }

// AddAgent queues a trip from start to target. The agent enters on the next
// tick whose entry slot is free; the returned id is stable for its lifetime.
func (o *Orchestrator) AddAgent(name string, start, target motion.Vec2) (int, error) {
	if _, ok := o.grid.CellOf(start); !ok {
		return 0, fmt.Errorf("%w: start %v outside the intersection", ErrInvalidAgent, start)
	}
	if _, ok := o.grid.CellOf(target); !ok {
		return 0, fmt.Errorf("%w: target %v outside the intersection", ErrInvalidAgent, target)
	}
	if start.DistanceTo(target) < o.tolerance {
		return 0, fmt.Errorf("%w: start %v is already at target", ErrInvalidAgent, start)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	if name == "" {
		name = "agent-" + uuid.NewString()[:8]
	}
	o.incoming = append(o.incoming, &pending{id: id, name: name, start: start, target: target, since: o.clock.Step()})
	return id, nil
}

func (o *Orchestrator) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return o.log
}

func (o *Orchestrator) t0() float64 {
	return float64(o.clock.Step()) * o.cfg.Horizon.T
}

// Step runs one tick. A returned error is fatal for the run
// (ErrDependencyCycle, ErrMalformedConstraintSet) or comes from ctx; in both
// cases no agent moved and the clock did not advance.
func (o *Orchestrator) Step(ctx context.Context) (TickReport, error) {
	o.stepMu.Lock()
	defer o.stepMu.Unlock()

	started := time.Now()
	tick := o.clock.Step()
	t0 := o.t0()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Step", trace.WithAttributes(
		attribute.Int("tick", tick),
		attribute.Float64("t0", t0),
	))
	defer span.End()
	log := o.logger(ctx)

	report := TickReport{Tick: tick, Time: t0, Blocked: make(map[int]error), Unheld: make(map[int]error)}
	fail := func(err error) (TickReport, error) {
		span.RecordError(err)
		log.Error(ctx, "tick aborted", logging.Int("tick", tick), logging.Err(err))
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	o.grid.PruneBefore(t0)
	o.grid.SnapshotCommittedAsPreliminary()
	o.store.DeleteOlderThan(t0)

	if err := o.admit(ctx, tick, t0, &report); err != nil {
		return fail(err)
	}

	ids := o.activeIDs()
	if len(ids) > 0 {
		o.claimHolds(ctx, ids, t0, &report)
		candidates, err := o.predict(ctx, ids, t0)
		if err != nil {
			return fail(err)
		}
		plan, err := o.schedule(ctx, candidates, t0)
		if err != nil {
			return fail(err)
		}
		report.Rows = plan.Rows
		for tier, row := range plan.Rows {
			if err := o.runTier(ctx, tier, row, t0, &report); err != nil {
				return fail(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		o.apply(ctx, ids, t0, &report)
	}

	// Once agents moved the tick has to complete.
	if err := o.clock.Advance(context.WithoutCancel(ctx)); err != nil {
		return fail(err)
	}

	report.Waiting = o.waitingCount()
	o.metrics.ObserveTick(time.Since(started))
	o.metrics.SetAgents(len(o.agents), report.Waiting)
	o.metrics.AddReplans(report.Replans)

	snap := o.snapshot(report)
	o.mu.Lock()
	o.last = snap
	o.mu.Unlock()
	for _, obs := range o.observers {
		obs.OnTick(ctx, report, snap)
	}

	span.SetAttributes(
		attribute.Int("agents", len(ids)),
		attribute.Int("tiers", len(report.Rows)),
		attribute.Int("blocked", len(report.Blocked)),
	)
	log.Debug(ctx, "tick complete",
		logging.Int("tick", tick),
		logging.Int("agents", len(ids)),
		logging.Int("tiers", len(report.Rows)),
		logging.Int("blocked", len(report.Blocked)),
		logging.Int("replans", report.Replans),
	)
	return report, nil
}

// Run steps until every agent reached its target and nothing is waiting,
// until the configured tick limit, or until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, log := logging.WithRunLogger(ctx, o.log)
	ctx = logging.ContextWithLogger(ctx, log)
	log.Info(ctx, "coordination run started",
		logging.String("scheme", o.scheme.String()),
		logging.String("strategy", o.cfg.Scheduler.Strategy),
		logging.String("criteria", o.cfg.Scheduler.Criteria),
		logging.Int("max_ticks", o.cfg.Run.MaxTicks),
	)
	for {
		if limit := o.cfg.Run.MaxTicks; limit > 0 && o.clock.Step() >= limit {
			log.Info(ctx, "tick limit reached", logging.Int("tick", o.clock.Step()))
			return nil
		}
		if o.idle() {
			log.Info(ctx, "all agents crossed", logging.Int("tick", o.clock.Step()))
			return nil
		}
		if _, err := o.Step(ctx); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) idle() bool {
	o.stepMu.Lock()
	defer o.stepMu.Unlock()
	return o.arrivals == nil && len(o.agents) == 0 && o.waitingCount() == 0
}

func (o *Orchestrator) waitingCount() int {
	o.mu.Lock()
	incoming := len(o.incoming)
	o.mu.Unlock()
	return len(o.waiting) + o.events.Len() + incoming
}

func (o *Orchestrator) activeIDs() []int {
	ids := make([]int, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (o *Orchestrator) expand(cs []constraint.Constraint, t0 float64) ([]constraint.Constraint, error) {
	if !o.scheme.Interval() || len(cs) == 0 {
		return cs, nil
	}
	return o.formulator.Reconstruct(cs, t0, o.scheme)
}

func (o *Orchestrator) controlBounds() (motion.Vec2, motion.Vec2) {
	opts := o.cfg.PlannerOptions()
	return opts.ControlLower, opts.ControlUpper
}

func (o *Orchestrator) directGuess(a *Agent) []motion.Vec2 {
	lower, upper := o.controlBounds()
	return planner.DirectGuess(a.State, a.Target, o.cfg.Horizon.N, o.cfg.Horizon.T, lower, upper)
}

func (o *Orchestrator) warmStart(a *Agent) []motion.Vec2 {
	if len(a.Control) > 0 {
		return planner.Shift(a.Control)
	}
	return o.directGuess(a)
}

func (o *Orchestrator) optimize(ctx context.Context, a *Agent, t0 float64, guess []motion.Vec2, stop float64, iterations int) (planner.Result, error) {
	a.Controller.SetConstraints(a.Constraints)
	return a.Controller.Optimize(ctx, planner.Request{
		Agent:         a.ID,
		Start:         a.State,
		Target:        a.Target,
		Guess:         guess,
		T0:            t0,
		StopValue:     stop,
		MaxIterations: iterations,
	})
}

// predict computes the unconstrained prediction of every agent in parallel.
func (o *Orchestrator) predict(ctx context.Context, ids []int, t0 float64) ([]scheduler.Candidate, error) {
	out := make([]scheduler.Candidate, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		a := o.agents[id]
		a.Constraints = nil
		g.Go(func() error {
			res, err := o.optimize(gctx, a, t0, o.warmStart(a), 0, 0)
			if err != nil && !errors.Is(err, ErrOptimizerInfeasible) {
				return err
			}
			out[i] = scheduler.Candidate{
				ID:         a.ID,
				States:     res.States,
				OpenLoop:   res.Cost,
				ClosedLoop: a.Controller.ClosedLoopCost(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) schedule(ctx context.Context, candidates []scheduler.Candidate, t0 float64) (scheduler.Plan, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Schedule")
	defer span.End()

	began := time.Now()
	plan, err := o.sorter.Sort(ctx, scheduler.Input{
		Agents: candidates,
		Store:  o.store,
		Expand: func(cs []constraint.Constraint) ([]constraint.Constraint, error) { return o.expand(cs, t0) },
		T0:     t0,
	})
	if err != nil {
		span.RecordError(err)
		return scheduler.Plan{}, err
	}
	o.schedMetrics.ObserveSort(time.Since(began), len(plan.Rows), len(plan.Demoted), len(plan.Promoted))
	for tier, row := range plan.Rows {
		for _, id := range row {
			o.agents[id].Tier = tier
		}
	}
	return plan, nil
}

// runTier plans every agent of one tier. Constraints are consumed and the
// optimizations started in admission order, then reservations and
// publications happen one agent at a time. Pause and cancellation are
// honoured before every agent.
func (o *Orchestrator) runTier(ctx context.Context, tier int, row []int, t0 float64, report *TickReport) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Tier", trace.WithAttributes(
		attribute.Int("tier", tier),
		attribute.Int("agents", len(row)),
	))
	defer span.End()

	type first struct {
		res planner.Result
		err error
	}
	results := make([]first, len(row))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range row {
		if err := o.gate.wait(ctx); err != nil {
			_ = g.Wait()
			return err
		}
		a := o.agents[id]
		cs, err := o.expand(o.store.For(o.sorter.Sources(id)...), t0)
		if err != nil {
			_ = g.Wait()
			span.RecordError(err)
			return err
		}
		a.Constraints = cs
		g.Go(func() error {
			res, err := o.optimize(gctx, a, t0, o.warmStart(a), 0, 0)
			if err != nil && !errors.Is(err, ErrOptimizerInfeasible) {
				return err
			}
			results[i] = first{res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return err
	}

	for i, id := range row {
		if err := o.gate.wait(ctx); err != nil {
			return err
		}
		a := o.agents[id]
		out, err := o.settle(ctx, a, outcome{res: results[i].res, err: results[i].err}, t0)
		if err != nil {
			return err
		}
		a.outcome = out
		if !out.blocked() {
			o.releaseHold(a, out.res.States, t0)
		}
		report.Replans += out.replans
		report.Conflicts += out.conflicts
		n, err := o.publish(a, t0)
		if err != nil {
			span.RecordError(err)
			return err
		}
		report.Published += n
	}
	return nil
}

// publish turns the settled plan of a into constraints for later tiers.
func (o *Orchestrator) publish(a *Agent, t0 float64) (int, error) {
	states := a.outcome.res.States
	if a.outcome.blocked() || len(states) == 0 {
		states = holdStates(a.State, o.cfg.Horizon.N)
	}
	pub, err := o.formulator.FromTrajectory(a.ID, states, t0, o.scheme, !a.published)
	if err != nil {
		return 0, fmt.Errorf("publish agent %d: %w", a.ID, err)
	}
	a.published = true
	if len(pub.Constraints) > 0 {
		o.store.Insert(a.ID, pub.Constraints, o.scheme)
	}
	a.Communicated += len(pub.Constraints)
	a.CellsReserved += pub.Reserved
	o.metrics.AddPublished(o.scheme.String(), len(pub.Constraints), pub.Reserved)
	return len(pub.Constraints), nil
}

// apply moves every agent with a reserved plan by one step, holds the
// blocked ones and retires agents that reached their target.
func (o *Orchestrator) apply(ctx context.Context, ids []int, t0 float64, report *TickReport) {
	log := o.logger(ctx)
	T := o.cfg.Horizon.T
	lambda := o.cfg.Agents.Lambda

	for _, id := range ids {
		a := o.agents[id]
		out := a.outcome
		a.outcome = outcome{}

		if !out.blocked() && len(out.res.States) > 1 {
			next := out.res.States[1]
			if cell, ok := o.grid.CellOf(next); ok {
				if err := o.grid.Commit(a.ID, cell, t0+T); err != nil {
					out.err = err
				}
			}
		}

		if out.blocked() {
			if err := o.hold(a, t0); err != nil {
				report.Unheld[a.ID] = err
				log.Error(ctx, "blocked agent lost its cell",
					logging.Int("agent", a.ID),
					logging.Err(err),
				)
			}
			a.Controller.AddClosedLoopCost(motion.StageCost(a.State, motion.Vec2{}, a.Target, lambda))
			a.Prediction = holdStates(a.State, o.cfg.Horizon.N)
			a.Control = nil
			report.Blocked[a.ID] = out.err
			if errors.Is(out.err, ErrOptimizerInfeasible) {
				o.metrics.IncInfeasible()
			}
			log.Warn(ctx, "agent blocked", logging.Int("agent", a.ID), logging.Err(out.err))
		} else {
			var u0 motion.Vec2
			if len(out.res.Control) > 0 {
				u0 = out.res.Control[0]
			}
			a.Controller.AddClosedLoopCost(motion.StageCost(a.State, u0, a.Target, lambda))
			a.State = out.res.States[1]
			a.Prediction = out.res.States
			a.Control = out.res.Control
			a.LastCost = out.res.Cost
			a.hasCost = true
			report.Applied = append(report.Applied, a.ID)
			if out.degraded {
				report.Degraded = append(report.Degraded, a.ID)
			}
		}
		a.Occupied = o.cells(a.Prediction)

		if a.State.DistanceTo(a.Target) < o.tolerance {
			o.retire(a)
			report.Completed = append(report.Completed, a.ID)
			log.Info(ctx, "agent reached target",
				logging.Int("agent", a.ID),
				logging.String("name", a.Name),
				logging.Float("closed_loop_cost", a.Controller.ClosedLoopCost()),
			)
		}
	}
	o.metrics.AddCompleted(len(report.Completed))
}

// claimHolds reserves the current cell of every active agent one step
// ahead before any plan is reserved, so that an agent which ends up blocked
// still owns the cell it stands in. Agents whose plan is reserved give the
// slot back in releaseHold.
func (o *Orchestrator) claimHolds(ctx context.Context, ids []int, t0 float64, report *TickReport) {
	for _, id := range ids {
		if err := o.claimHold(o.agents[id], t0); err != nil {
			report.Unheld[id] = err
			o.logger(ctx).Error(ctx, "current cell already claimed",
				logging.Int("agent", id),
				logging.Err(err),
			)
		}
	}
}

func (o *Orchestrator) claimHold(a *Agent, t0 float64) error {
	cell, ok := o.grid.CellOf(a.State)
	if !ok {
		return nil
	}
	return o.grid.Claim(a.ID, cell, t0+o.cfg.Horizon.T)
}

// releaseHold drops the held slot once the agent's reserved plan leaves its
// current cell at the next step.
func (o *Orchestrator) releaseHold(a *Agent, states []motion.Vec2, t0 float64) {
	cell, ok := o.grid.CellOf(a.State)
	if !ok {
		return
	}
	if len(states) > 1 {
		if next, _ := o.grid.CellOf(states[1]); next == cell {
			return
		}
	}
	o.grid.Release(a.ID, cell, t0+o.cfg.Horizon.T)
}

// dropPlan clears the agent's scratch reservations but keeps its held cell.
func (o *Orchestrator) dropPlan(a *Agent, t0 float64) {
	o.grid.ClearPreliminary(a.ID)
	_ = o.claimHold(a, t0)
}

// hold commits a blocked agent's cell for the next step.
func (o *Orchestrator) hold(a *Agent, t0 float64) error {
	o.grid.ClearPreliminary(a.ID)
	cell, ok := o.grid.CellOf(a.State)
	if !ok {
		return nil
	}
	at := t0 + o.cfg.Horizon.T
	if err := o.grid.Claim(a.ID, cell, at); err != nil {
		return err
	}
	return o.grid.Commit(a.ID, cell, at)
}

func (o *Orchestrator) retire(a *Agent) {
	o.grid.ReleaseAgent(a.ID)
	o.store.RemoveAgent(a.ID)
	o.formulator.Forget(a.ID)
	o.queue.Remove(a.ID)
	delete(o.agents, a.ID)
}

func (o *Orchestrator) cells(states []motion.Vec2) []grid.Cell {
	out := make([]grid.Cell, 0, len(states))
	for _, x := range states {
		if c, ok := o.grid.CellOf(x); ok && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
