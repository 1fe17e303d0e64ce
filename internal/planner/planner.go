// Package planner provides the trajectory controllers agents use to plan
// over the receding horizon. All variants share one Controller interface and
// are selected per run by Algorithm.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

var (
	// ErrOptimizerInfeasible is returned when the best candidate found still
	// violates a constraint beyond the feasibility tolerance.
	ErrOptimizerInfeasible = errors.New("optimizer infeasible")

	// ErrUnknownAlgorithm is returned by ParseAlgorithm and New.
	ErrUnknownAlgorithm = errors.New("unknown planner algorithm")
)

// InfeasibleError carries the residual violation of a failed optimization.
// It unwraps to ErrOptimizerInfeasible.
type InfeasibleError struct {
	Agent     int
	Violation float64
	Reason    string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("agent %d: %s (violation %.4f)", e.Agent, e.Reason, e.Violation)
}

func (e *InfeasibleError) Unwrap() error { return ErrOptimizerInfeasible }

// Algorithm selects the controller implementation.
type Algorithm int

const (
	// Gradient is a projected-gradient penalty method.
	Gradient Algorithm = iota
	// Pattern is a derivative-free compass search.
	Pattern
)

func (a Algorithm) String() string {
	switch a {
	case Gradient:
		return "gradient"
	case Pattern:
		return "pattern"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps "gradient" and "pattern" to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gradient", "mpc":
		return Gradient, nil
	case "pattern", "compass":
		return Pattern, nil
	default:
		return Gradient, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Options configures a controller.
type Options struct {
	N      int
	T      float64
	Lambda float64

	ControlLower motion.Vec2
	ControlUpper motion.Vec2

	// Tolerance is the largest constraint value accepted as feasible.
	Tolerance     float64
	MaxIterations int
	PenaltyStart  float64
	PenaltyMax    float64
}

func (o Options) withDefaults() Options {
	if o.N <= 0 {
		o.N = 12
	}
	if o.T <= 0 {
		o.T = 0.5
	}
	if o.ControlLower == (motion.Vec2{}) && o.ControlUpper == (motion.Vec2{}) {
		o.ControlLower = motion.Vec2{X: -1, Y: -1}
		o.ControlUpper = motion.Vec2{X: 1, Y: 1}
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-3
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 200
	}
	if o.PenaltyStart <= 0 {
		o.PenaltyStart = 10
	}
	if o.PenaltyMax < o.PenaltyStart {
		o.PenaltyMax = 1e4
	}
	return o
}

// Request is one optimization call.
type Request struct {
	Agent  int
	Start  motion.Vec2
	Target motion.Vec2
	// Guess is the initial control sequence. Missing steps are filled with a
	// direct guess towards the target.
	Guess []motion.Vec2
	T0    float64
	// StopValue ends the search once a feasible candidate costs no more
	// than it. Zero disables early stopping.
	StopValue     float64
	MaxIterations int
}

// Result is the best candidate found.
type Result struct {
	Control    []motion.Vec2
	States     []motion.Vec2
	Cost       float64
	Violation  float64
	Iterations int
}

// Controller is the trajectory-controller capability used by the
// coordinator.
type Controller interface {
	// SetConstraints replaces the constraints the next Optimize call honours.
	SetConstraints(cs []constraint.Constraint)
	// SetBounds limits every predicted position to the box [lower, upper].
	SetBounds(lower, upper motion.Vec2)
	// Optimize plans a control sequence over the horizon. On an
	// *InfeasibleError the best candidate is still returned and becomes the
	// current prediction.
	Optimize(ctx context.Context, req Request) (Result, error)
	// Simulate applies the system function to a control sequence.
	Simulate(x0 motion.Vec2, u []motion.Vec2) []motion.Vec2
	Prediction() []motion.Vec2
	Control() []motion.Vec2
	OpenLoopCost() float64
	ClosedLoopCost() float64
	AddClosedLoopCost(c float64)
	Options() Options
}

// New builds a controller of the given algorithm.
func New(alg Algorithm, opts Options) (Controller, error) {
	b := &base{opts: opts.withDefaults()}
	switch alg {
	case Gradient:
		b.search = b.gradientSearch
	case Pattern:
		b.search = b.patternSearch
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, alg)
	}
	return b, nil
}

type base struct {
	opts   Options
	search func(ctx context.Context, p *problem, u []motion.Vec2) ([]motion.Vec2, int, error)

	mu          sync.Mutex
	constraints []constraint.Constraint
	posLower    motion.Vec2
	posUpper    motion.Vec2
	bounded     bool
	last        Result
	closedLoop  float64
}

func (b *base) Options() Options { return b.opts }

func (b *base) SetConstraints(cs []constraint.Constraint) {
	b.mu.Lock()
	b.constraints = append([]constraint.Constraint(nil), cs...)
	b.mu.Unlock()
}

func (b *base) SetBounds(lower, upper motion.Vec2) {
	b.mu.Lock()
	b.posLower, b.posUpper, b.bounded = lower, upper, true
	b.mu.Unlock()
}

func (b *base) Simulate(x0 motion.Vec2, u []motion.Vec2) []motion.Vec2 {
	return motion.Holonomic(x0, u, b.opts.T, b.opts.N)
}

func (b *base) Prediction() []motion.Vec2 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]motion.Vec2(nil), b.last.States...)
}

func (b *base) Control() []motion.Vec2 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]motion.Vec2(nil), b.last.Control...)
}

func (b *base) OpenLoopCost() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Cost
}

func (b *base) ClosedLoopCost() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closedLoop
}

func (b *base) AddClosedLoopCost(c float64) {
	b.mu.Lock()
	b.closedLoop += c
	b.mu.Unlock()
}

func (b *base) Optimize(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	b.mu.Lock()
	p := &problem{
		opts:    b.opts,
		req:     req,
		lower:   b.posLower,
		upper:   b.posUpper,
		bounded: b.bounded,
	}
	p.setConstraints(b.constraints)
	b.mu.Unlock()

	if req.MaxIterations > 0 {
		p.opts.MaxIterations = req.MaxIterations
	}
	u := p.project(p.initialGuess())
	u, iters, err := b.search(ctx, p, u)
	if err != nil {
		return Result{}, err
	}

	states := p.states(u)
	res := Result{
		Control:    u,
		States:     states,
		Cost:       p.cost(u, states),
		Violation:  p.violation(states),
		Iterations: iters,
	}
	b.mu.Lock()
	b.last = res
	b.mu.Unlock()

	if res.Violation > p.opts.Tolerance {
		return res, &InfeasibleError{Agent: req.Agent, Violation: res.Violation, Reason: "constraints violated after penalty schedule"}
	}
	return res, nil
}

// DirectGuess steers greedily towards target within the control bounds.
func DirectGuess(start, target motion.Vec2, n int, T float64, lower, upper motion.Vec2) []motion.Vec2 {
	u := make([]motion.Vec2, n)
	x := start
	for i := range u {
		u[i] = target.Sub(x).Scale(1 / T).Clamp(lower, upper)
		x = x.Add(u[i].Scale(T))
	}
	return u
}

// Shift drops the first control of a previous solution and repeats the last
// one, producing a warm start for the next tick.
func Shift(u []motion.Vec2) []motion.Vec2 {
	if len(u) == 0 {
		return nil
	}
	out := make([]motion.Vec2, len(u))
	copy(out, u[1:])
	out[len(u)-1] = u[len(u)-1]
	return out
}
