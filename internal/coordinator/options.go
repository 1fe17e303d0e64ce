package coordinator

import (
	"context"
	"time"

	"github.com/signalsfoundry/intersection-coordinator/internal/arrival"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
	"github.com/signalsfoundry/intersection-coordinator/timectrl"
)

// MetricsRecorder receives per-tick measurements. observability's
// CoordinatorCollector implements it.
type MetricsRecorder interface {
	ObserveTick(d time.Duration)
	SetAgents(active, waiting int)
	AddReplans(n int)
	IncReservationConflicts()
	IncInfeasible()
	AddPublished(scheme string, constraints, reserved int)
	AddArrivals(n int)
	AddCompleted(n int)
}

// ScheduleRecorder receives the outcome of every scheduling pass.
type ScheduleRecorder interface {
	ObserveSort(d time.Duration, tiers, demoted, promoted int)
}

// Observer is notified after every completed tick.
type Observer interface {
	OnTick(ctx context.Context, report TickReport, snap Snapshot)
}

// ControllerFactory builds the trajectory controller of a newly admitted
// agent.
type ControllerFactory func(agent int, opts planner.Options) (planner.Controller, error)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithScheduleMetrics(m ScheduleRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.schedMetrics = m
		}
	}
}

// WithObserver adds an observer; it may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// AddObserver registers obs after construction. It must not be called
// while Step or Run is executing.
func (o *Orchestrator) AddObserver(obs Observer) {
	if obs != nil {
		o.observers = append(o.observers, obs)
	}
}

// WithArrivals replaces the arrival source derived from the configuration.
func WithArrivals(src arrival.Source) Option {
	return func(o *Orchestrator) { o.arrivals = src }
}

// WithClock uses tc instead of a fresh clock. Its Tick must equal the
// sampling step T.
func WithClock(tc *timectrl.TimeController) Option {
	return func(o *Orchestrator) {
		if tc != nil {
			o.clock = tc
		}
	}
}

func WithControllerFactory(f ControllerFactory) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.newController = f
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(time.Duration)                {}
func (nopMetrics) SetAgents(int, int)                       {}
func (nopMetrics) AddReplans(int)                           {}
func (nopMetrics) IncReservationConflicts()                 {}
func (nopMetrics) IncInfeasible()                           {}
func (nopMetrics) AddPublished(string, int, int)            {}
func (nopMetrics) AddArrivals(int)                          {}
func (nopMetrics) AddCompleted(int)                         {}
func (nopMetrics) ObserveSort(time.Duration, int, int, int) {}
