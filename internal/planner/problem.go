package planner

import (
	"math"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

type boundConstraint struct {
	c   constraint.Constraint
	pos int
}

// problem is the penalised horizon cost of one Optimize call.
type problem struct {
	opts    Options
	req     Request
	lower   motion.Vec2
	upper   motion.Vec2
	bounded bool
	weight  float64
	cs      []boundConstraint
}

// setConstraints keeps the constraints that bind a controllable state. The
// state at step 0 is the current position and cannot be changed.
func (p *problem) setConstraints(cs []constraint.Constraint) {
	p.cs = p.cs[:0]
	for _, c := range cs {
		pos := constraint.StepIndex(c.Time, p.req.T0, p.opts.T)
		if pos >= 1 && pos < p.opts.N {
			p.cs = append(p.cs, boundConstraint{c: c, pos: pos})
		}
	}
}

func (p *problem) initialGuess() []motion.Vec2 {
	direct := DirectGuess(p.req.Start, p.req.Target, p.opts.N, p.opts.T, p.opts.ControlLower, p.opts.ControlUpper)
	copy(direct, p.req.Guess)
	return direct
}

func (p *problem) project(u []motion.Vec2) []motion.Vec2 {
	for i := range u {
		u[i] = u[i].Clamp(p.opts.ControlLower, p.opts.ControlUpper)
	}
	return u
}

func (p *problem) states(u []motion.Vec2) []motion.Vec2 {
	return motion.Holonomic(p.req.Start, u, p.opts.T, p.opts.N)
}

func (p *problem) cost(u, states []motion.Vec2) float64 {
	return motion.HorizonCost(states, u, p.req.Target, p.opts.Lambda)
}

func (p *problem) boxExcess(x motion.Vec2) motion.Vec2 {
	if !p.bounded {
		return motion.Vec2{}
	}
	var e motion.Vec2
	if x.X < p.lower.X {
		e.X = x.X - p.lower.X
	} else if x.X > p.upper.X {
		e.X = x.X - p.upper.X
	}
	if x.Y < p.lower.Y {
		e.Y = x.Y - p.lower.Y
	} else if x.Y > p.upper.Y {
		e.Y = x.Y - p.upper.Y
	}
	return e
}

// violation is the largest constraint value or position-bound excess over
// the controllable states.
func (p *problem) violation(states []motion.Vec2) float64 {
	worst := math.Inf(-1)
	for _, bc := range p.cs {
		v := bc.c.Radius - states[bc.pos].Sub(bc.c.Center).NormInf()
		worst = math.Max(worst, v)
	}
	for _, x := range states[1:] {
		worst = math.Max(worst, p.boxExcess(x).NormInf())
	}
	return worst
}

func (p *problem) penalty(states []motion.Vec2) float64 {
	total := 0.0
	for _, bc := range p.cs {
		if v := bc.c.Radius - states[bc.pos].Sub(bc.c.Center).NormInf(); v > 0 {
			total += v * v
		}
	}
	for _, x := range states[1:] {
		e := p.boxExcess(x)
		total += e.X*e.X + e.Y*e.Y
	}
	return total
}

func (p *problem) objective(u []motion.Vec2) float64 {
	states := p.states(u)
	return p.cost(u, states) + p.weight*p.penalty(states)
}

// gradient of the penalised objective with respect to every control step.
// x[i] depends on u[k] for k < i with Jacobian T*I.
func (p *problem) gradient(u []motion.Vec2) []motion.Vec2 {
	n, T := p.opts.N, p.opts.T
	states := p.states(u)

	// dState[i] accumulates d(objective)/d(x[i]).
	dState := make([]motion.Vec2, n)
	for i := 1; i < n; i++ {
		dState[i] = states[i].Sub(p.req.Target).Unit()
		e := p.boxExcess(states[i])
		dState[i] = dState[i].Add(e.Scale(2 * p.weight))
	}
	for _, bc := range p.cs {
		x := states[bc.pos]
		v := bc.c.Radius - x.Sub(bc.c.Center).NormInf()
		if v <= 0 {
			continue
		}
		// Moving towards the centre raises v, so the descent direction
		// points away from it.
		dir := motion.Vec2{X: sign(bc.c.Center.X - x.X), Y: sign(bc.c.Center.Y - x.Y)}
		if dir == (motion.Vec2{}) {
			dir = x.Sub(p.req.Start).Sign().Scale(-1)
		}
		dState[bc.pos] = dState[bc.pos].Add(dir.Scale(2 * p.weight * v))
	}

	grad := make([]motion.Vec2, n)
	var suffix motion.Vec2
	for k := n - 1; k >= 0; k-- {
		if k+1 < n {
			suffix = suffix.Add(dState[k+1])
		}
		grad[k] = suffix.Scale(T).Add(u[k].Unit().Scale(p.opts.Lambda))
	}
	return grad
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

func (p *problem) feasible(u []motion.Vec2) bool {
	return p.violation(p.states(u)) <= p.opts.Tolerance
}

func (p *problem) stopReached(u []motion.Vec2) bool {
	if p.req.StopValue <= 0 {
		return false
	}
	states := p.states(u)
	return p.violation(states) <= p.opts.Tolerance && p.cost(u, states) <= p.req.StopValue
}
