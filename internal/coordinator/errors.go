package coordinator

import (
	"errors"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
	"github.com/signalsfoundry/intersection-coordinator/internal/scheduler"
)

// Error taxonomy of a coordination run. Callers match with errors.Is.
var (
	// ErrReservationConflict is recoverable; the agent re-plans.
	ErrReservationConflict = grid.ErrReservationConflict
	// ErrOptimizerInfeasible leaves the agent blocked for the tick.
	ErrOptimizerInfeasible = planner.ErrOptimizerInfeasible
	// ErrDependencyCycle is fatal to the run.
	ErrDependencyCycle = scheduler.ErrDependencyCycle
	// ErrMalformedConstraintSet is fatal to the run.
	ErrMalformedConstraintSet = constraint.ErrMalformedConstraintSet

	// ErrInvalidAgent is returned by AddAgent for trips that cannot be
	// driven inside the intersection.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Fatal reports whether err must end the run instead of blocking a single
// agent.
func Fatal(err error) bool {
	return errors.Is(err, ErrDependencyCycle) || errors.Is(err, ErrMalformedConstraintSet)
}
