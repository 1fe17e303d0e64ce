// Package constraint turns an agent's planned trajectory into exclusion
// volumes for the agents scheduled after it, and evaluates candidate
// trajectories against such volumes.
package constraint

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// ErrMalformedConstraintSet is returned when a compressed constraint set
// cannot be expanded, for example a min/max interval missing one corner.
var ErrMalformedConstraintSet = errors.New("malformed constraint set")

const timeEpsilon = 1e-9

// Kind distinguishes point constraints from the corners of a compressed
// min/max interval.
type Kind int

const (
	Point Kind = iota
	Min
	Max
)

func (k Kind) String() string {
	switch k {
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return "point"
	}
}

// Constraint is an infinity-norm exclusion volume around Center, valid at
// Time. Min/Max corners additionally carry the travel direction of the
// publishing agent and the number of steps it can spend idling (Delta).
type Constraint struct {
	Agent     int
	Center    motion.Vec2
	Time      float64
	Radius    float64
	Kind      Kind
	Direction motion.Vec2
	Delta     int
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s(agent=%d center=(%.3f,%.3f) t=%.3f r=%.3f)", c.Kind, c.Agent, c.Center.X, c.Center.Y, c.Time, c.Radius)
}

// Equal compares centre and validity time only.
func Equal(a, b Constraint) bool {
	return a.Center == b.Center && sameTime(a.Time, b.Time)
}

func sameTime(a, b float64) bool {
	return math.Abs(a-b) <= timeEpsilon*math.Max(1, math.Abs(a))
}

// SafetyMargin is the extra exclusion radius needed so that two agents that
// respect each other's constraints at the sampling instants cannot collide
// in between. It is non-decreasing in dmin and maxDynamics.
func SafetyMargin(dmin, maxDynamics, T float64) float64 {
	travel := T * maxDynamics
	base := 2 * travel
	if dmin > travel {
		base = 2 * dmin
	}
	return base + (maxDynamics*T*math.Cos(math.Pi/4)+0.01)/2
}

// StepIndex maps a constraint time onto the horizon step of a trajectory
// starting at t0.
func StepIndex(tc, t0, T float64) int {
	return int(math.Floor((tc-t0)/T + timeEpsilon))
}

// EvaluateStates returns the constraint value for an already simulated
// trajectory: Radius - ||x[pos] - Center||_inf, positive when violated, and
// zero when the constraint time falls outside the horizon.
func EvaluateStates(c Constraint, states []motion.Vec2, t0, T float64) float64 {
	v, _ := evaluateInHorizon(c, states, t0, T)
	return v
}

func evaluateInHorizon(c Constraint, states []motion.Vec2, t0, T float64) (float64, bool) {
	pos := StepIndex(c.Time, t0, T)
	if pos < 0 || pos >= len(states) {
		return 0, false
	}
	return c.Radius - states[pos].Sub(c.Center).NormInf(), true
}

// Evaluate forward-simulates the candidate control from x0 and returns the
// constraint value together with its gradient with respect to every control
// step. Gradient entries for steps before the constrained state are set to
// sign(Center - x[pos]) per component; later steps do not move x[pos] and
// stay zero.
func Evaluate(c Constraint, x0 motion.Vec2, u []motion.Vec2, t0, T float64) (float64, []motion.Vec2) {
	states := motion.Holonomic(x0, u, T, len(u))
	grad := make([]motion.Vec2, len(u))
	pos := StepIndex(c.Time, t0, T)
	if pos < 0 || pos >= len(states) {
		return 0, grad
	}
	x := states[pos]
	dir := motion.Vec2{X: sign(c.Center.X - x.X), Y: sign(c.Center.Y - x.Y)}
	for k := 0; k < pos; k++ {
		grad[k] = dir
	}
	return c.Radius - x.Sub(c.Center).NormInf(), grad
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Active reports whether the trajectory violates any constraint whose time
// falls inside its horizon.
func Active(cs []Constraint, states []motion.Vec2, t0, T float64) bool {
	for _, c := range cs {
		if v, ok := evaluateInHorizon(c, states, t0, T); ok && v > 0 {
			return true
		}
	}
	return false
}

// MaxViolation returns the largest in-horizon constraint value, or -Inf when
// no constraint applies to the horizon.
func MaxViolation(cs []Constraint, states []motion.Vec2, t0, T float64) float64 {
	worst := math.Inf(-1)
	for _, c := range cs {
		if v, ok := evaluateInHorizon(c, states, t0, T); ok && v > worst {
			worst = v
		}
	}
	return worst
}
