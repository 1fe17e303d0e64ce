package coordinator

import (
	"context"
	"errors"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// settle turns the first constrained optimization of a into a reserved plan.
// A lost cell-time slot clears the agent's preliminary records, adds the
// lost cell as a constraint and re-plans from a biased guess, at most
// Replan.MaxAttempts times. A plan that is infeasible or costs more than the
// reoptimize bound above the previous tick gets one wider second pass.
// Only context errors are returned; every other failure ends up in the
// outcome and blocks the agent for this tick.
func (o *Orchestrator) settle(ctx context.Context, a *Agent, out outcome, t0 float64) (outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Agent", trace.WithAttributes(
		attribute.Int("agent", a.ID),
		attribute.Int("tier", a.Tier),
	))
	defer span.End()
	log := o.logger(ctx)

	var err error
	if out, err = o.reoptimize(ctx, a, t0, out); err != nil {
		return out, err
	}
	for attempt := 1; ; attempt++ {
		if out.err == nil {
			conflict := o.reserve(a.ID, out.res.States, t0)
			if conflict == nil {
				break
			}
			out.conflicts++
			o.metrics.IncReservationConflicts()
			o.dropPlan(a, t0)
			if c, ok := o.avoid(conflict); ok {
				a.Constraints = append(a.Constraints, c)
			}
			out.err = conflict
			log.Debug(ctx, "reservation lost", logging.Int("agent", a.ID), logging.Err(conflict))
		}
		if attempt > o.cfg.Replan.MaxAttempts {
			break
		}
		out.replans++
		res, err := o.optimize(ctx, a, t0, o.biasedGuess(a, attempt), 0, 0)
		if err != nil && !errors.Is(err, ErrOptimizerInfeasible) {
			return out, err
		}
		out.res, out.err = res, err
		if out, err = o.reoptimize(ctx, a, t0, out); err != nil {
			return out, err
		}
	}

	if errors.Is(out.err, ErrOptimizerInfeasible) && !o.onHold {
		if conflict := o.reserve(a.ID, out.res.States, t0); conflict == nil {
			log.Warn(ctx, "moving on infeasible plan", logging.Int("agent", a.ID), logging.Err(out.err))
			out.err = nil
			out.degraded = true
		} else {
			o.dropPlan(a, t0)
		}
	}
	if out.err != nil {
		span.RecordError(out.err)
	}
	span.SetAttributes(attribute.Int("replans", out.replans))
	return out, nil
}

// reoptimize runs the second pass when the plan is infeasible or its cost
// jumped by more than the reoptimize bound. The pass restarts from the direct
// guess with twice the iterations and stops early at half the acceptance
// bound. The cheaper feasible result wins.
func (o *Orchestrator) reoptimize(ctx context.Context, a *Agent, t0 float64, out outcome) (outcome, error) {
	infeasible := errors.Is(out.err, ErrOptimizerInfeasible)
	jumped := out.err == nil && a.hasCost && out.res.Cost-a.LastCost > o.reopt
	if !infeasible && !jumped {
		return out, nil
	}
	out.replans++
	res, err := o.optimize(ctx, a, t0, o.directGuess(a), o.accept/2, 2*o.cfg.Planner.MaxIterations)
	switch {
	case err != nil && !errors.Is(err, ErrOptimizerInfeasible):
		return out, err
	case err != nil:
		return out, nil
	case infeasible || res.Cost < out.res.Cost:
		out.res, out.err = res, nil
	}
	return out, nil
}

// reserve claims the cells of states[1:] at their step times in the
// preliminary queues.
func (o *Orchestrator) reserve(agent int, states []motion.Vec2, t0 float64) error {
	for i := 1; i < len(states); i++ {
		cell, ok := o.grid.CellOf(states[i])
		if !ok {
			continue
		}
		if err := o.grid.Claim(agent, cell, t0+float64(i)*o.cfg.Horizon.T); err != nil {
			return err
		}
	}
	return nil
}

// avoid converts a lost slot into a constraint that keeps the re-plan out
// of the held cell at that time.
func (o *Orchestrator) avoid(err error) (constraint.Constraint, bool) {
	var ce *grid.ConflictError
	if !errors.As(err, &ce) {
		return constraint.Constraint{}, false
	}
	return constraint.Constraint{
		Agent:  ce.Holder,
		Center: o.grid.Center(ce.Cell),
		Time:   ce.Time,
		Radius: o.grid.CellSize()/2 + 0.01,
		Kind:   constraint.Point,
	}, true
}

// biasedGuess cycles through sidestepping left, sidestepping right and
// holding position.
func (o *Orchestrator) biasedGuess(a *Agent, attempt int) []motion.Vec2 {
	lower, upper := o.controlBounds()
	u := o.directGuess(a)
	var angle float64
	switch attempt % 3 {
	case 1:
		angle = math.Pi / 2
	case 2:
		angle = -math.Pi / 2
	default:
		return make([]motion.Vec2, len(u))
	}
	for i := 0; i < len(u)/2; i++ {
		u[i] = u[i].Rotate(angle).Clamp(lower, upper)
	}
	return u
}
