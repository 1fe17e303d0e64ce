package coordinator

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// admit moves arrivals and queued agents into the intersection. An agent
// enters when capacity allows, no published constraint covers its start
// and its entry cell is free at t0. When the cell is only free later, the
// attempt is deferred to that slot through the event queue.
func (o *Orchestrator) admit(ctx context.Context, tick int, t0 float64, report *TickReport) error {
	log := o.logger(ctx)

	o.mu.Lock()
	incoming := o.incoming
	o.incoming = nil
	o.mu.Unlock()
	o.waiting = append(o.waiting, incoming...)

	if o.arrivals != nil {
		spawns := o.arrivals.Arrivals(tick)
		for _, s := range spawns {
			o.mu.Lock()
			id := o.nextID
			o.nextID++
			o.mu.Unlock()
			p := &pending{id: id, name: "arrival-" + uuid.NewString()[:8], start: s.Start, target: s.Target, since: tick}
			o.waiting = append(o.waiting, p)
			report.Arrived = append(report.Arrived, id)
		}
		o.metrics.AddArrivals(len(spawns))
	}

	o.events.RunDue()

	queue := o.waiting
	o.waiting = nil
	for _, p := range queue {
		if len(o.agents) >= o.cfg.Agents.MaxAgents {
			o.waiting = append(o.waiting, p)
			continue
		}
		entered, err := o.tryAdmit(ctx, p, tick, t0)
		if err != nil {
			o.waiting = append(o.waiting, p)
			return err
		}
		if entered {
			report.Admitted = append(report.Admitted, p.id)
			log.Info(ctx, "agent admitted",
				logging.Int("agent", p.id),
				logging.String("name", p.name),
				logging.Int("waited_ticks", tick-p.since),
			)
		}
	}
	return nil
}

func (o *Orchestrator) tryAdmit(ctx context.Context, p *pending, tick int, t0 float64) (bool, error) {
	blocked, err := o.startBlocked(p.start, t0)
	if err != nil {
		return false, err
	}
	if blocked {
		o.waiting = append(o.waiting, p)
		return false, nil
	}

	cell, _ := o.grid.CellOf(p.start)
	at, err := o.grid.TryReserve(p.id, cell, t0)
	if err != nil {
		return false, err
	}
	if at > t0+1e-9 {
		o.grid.ClearPreliminary(p.id)
		o.events.Schedule(o.simTime(at), func() { o.waiting = append(o.waiting, p) })
		o.logger(ctx).Debug(ctx, "admission deferred",
			logging.Int("agent", p.id),
			logging.Float("slot", at),
		)
		return false, nil
	}
	if err := o.grid.Commit(p.id, cell, t0); err != nil {
		o.grid.ClearPreliminary(p.id)
		o.waiting = append(o.waiting, p)
		return false, nil
	}

	ctrl, err := o.newController(p.id, o.cfg.PlannerOptions())
	if err != nil {
		o.grid.ReleaseAgent(p.id)
		return false, err
	}
	ctrl.SetBounds(motion.Vec2{}, motion.Vec2{X: o.cfg.Intersection.Width, Y: o.cfg.Intersection.Height})

	cs, err := o.formulator.FromPosition(p.id, p.start, t0, o.scheme)
	if err != nil {
		o.grid.ReleaseAgent(p.id)
		return false, err
	}
	o.store.Insert(p.id, cs, o.scheme)
	o.agents[p.id] = &Agent{
		ID:         p.id,
		Name:       p.name,
		State:      p.start,
		Target:     p.target,
		Controller: ctrl,
		Admitted:   tick,
		Prediction: holdStates(p.start, o.cfg.Horizon.N),
	}
	return true, nil
}

// startBlocked reports whether standing at p for the whole horizon would
// violate a constraint some agent published.
func (o *Orchestrator) startBlocked(p motion.Vec2, t0 float64) (bool, error) {
	if o.store.Empty() {
		return false, nil
	}
	cs, err := o.expand(o.store.For(o.store.Agents()...), t0)
	if err != nil {
		return false, err
	}
	return constraint.Active(cs, holdStates(p, o.cfg.Horizon.N), t0, o.cfg.Horizon.T), nil
}

// simTime converts simulation seconds into clock time on the step lattice.
func (o *Orchestrator) simTime(seconds float64) time.Time {
	steps := int(math.Round(seconds / o.cfg.Horizon.T))
	return o.clock.StartTime.Add(time.Duration(steps) * o.clock.Tick)
}
