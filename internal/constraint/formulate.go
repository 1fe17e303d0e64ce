package constraint

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// Params are the run parameters constraint generation depends on. The
// safety margin is derived from them on every use.
type Params struct {
	N           int
	T           float64
	CellSize    float64
	Dmin        float64
	MaxDynamics float64
	// UMax is the per-axis control bound used to estimate traversal times
	// of min/max intervals.
	UMax float64
}

// Margin returns the safety margin for the current parameters.
func (p Params) Margin() float64 {
	return SafetyMargin(p.Dmin, p.MaxDynamics, p.T)
}

// Radius returns the exclusion radius used by scheme s. Continuous
// constraints are not quantized, so only the margin applies.
func (p Params) Radius(s Scheme) float64 {
	if s == Continuous {
		return p.Margin()
	}
	return p.CellSize + p.Margin()
}

func (p Params) quantize(x motion.Vec2) motion.Vec2 {
	if p.CellSize <= 0 {
		return x
	}
	return motion.Vec2{
		X: (math.Floor(x.X/p.CellSize) + 0.5) * p.CellSize,
		Y: (math.Floor(x.Y/p.CellSize) + 0.5) * p.CellSize,
	}
}

func (p Params) at(t0 float64, i int) float64 {
	return t0 + float64(i)*p.T
}

// Published is the outcome of formulating one agent's constraints.
type Published struct {
	Constraints []Constraint
	// Reserved counts the cell-time slots the published set stands for
	// once expanded by a receiver.
	Reserved int
}

// Formulator derives constraint sets from predicted trajectories. It keeps
// the per-agent memory the differential scheme needs, so one Formulator is
// used for the whole run.
type Formulator struct {
	params Params

	mu     sync.Mutex
	memory map[int][]Constraint
}

// NewFormulator creates a formulator for the given parameters.
func NewFormulator(p Params) *Formulator {
	return &Formulator{params: p, memory: make(map[int][]Constraint)}
}

// Params returns the parameters the formulator was built with.
func (f *Formulator) Params() Params { return f.params }

// Forget drops the differential memory of agent.
func (f *Formulator) Forget(agent int) {
	f.mu.Lock()
	delete(f.memory, agent)
	f.mu.Unlock()
}

// FromTrajectory turns the predicted states of agent, starting at t0, into
// the constraint set published under scheme. first marks the agent's first
// publication; afterwards the final state is additionally held for one more
// step so that receivers do not plan into the gap behind the horizon. An
// empty trajectory yields an empty set.
func (f *Formulator) FromTrajectory(agent int, states []motion.Vec2, t0 float64, scheme Scheme, first bool) (Published, error) {
	if len(states) == 0 {
		return Published{}, nil
	}
	switch scheme {
	case Full:
		cs := f.full(agent, states, t0, first, scheme)
		return Published{Constraints: cs, Reserved: len(cs)}, nil
	case Differential:
		cs := f.remember(agent, t0, f.full(agent, states, t0, first, scheme))
		return Published{Constraints: cs, Reserved: len(cs)}, nil
	case MinMaxInterval, MinMaxIntervalMoving:
		pair := f.interval(agent, states, t0, scheme)
		expanded, err := f.Reconstruct(pair, t0, scheme)
		if err != nil {
			return Published{}, err
		}
		return Published{Constraints: pair, Reserved: len(expanded)}, nil
	case Continuous:
		cs := f.continuous(agent, states, t0, first)
		return Published{Constraints: cs, Reserved: len(cs)}, nil
	default:
		return Published{}, fmt.Errorf("%w: %v", ErrUnknownScheme, scheme)
	}
}

// FromPosition publishes the constraints of an agent standing still at p
// for the whole horizon. It seeds the exchange before any trajectory exists.
func (f *Formulator) FromPosition(agent int, p motion.Vec2, t0 float64, scheme Scheme) ([]Constraint, error) {
	n := f.params.N
	switch scheme {
	case Full, Differential:
		center := f.params.quantize(p)
		cs := make([]Constraint, 0, n)
		for i := 0; i < n; i++ {
			cs = append(cs, Constraint{Agent: agent, Center: center, Time: f.params.at(t0, i), Radius: f.params.Radius(scheme)})
		}
		if scheme == Differential {
			f.remember(agent, t0, cs)
		}
		return cs, nil
	case MinMaxInterval, MinMaxIntervalMoving:
		center := f.params.quantize(p)
		base := Constraint{Agent: agent, Center: center, Time: f.params.at(t0, 1), Radius: f.params.Radius(scheme), Direction: motion.Vec2{X: 1, Y: 1}, Delta: n}
		lo, hi := base, base
		lo.Kind, hi.Kind = Min, Max
		return []Constraint{lo, hi}, nil
	case Continuous:
		cs := make([]Constraint, 0, n)
		for i := 0; i < n; i++ {
			cs = append(cs, Constraint{Agent: agent, Center: p, Time: f.params.at(t0, i), Radius: f.params.Radius(scheme)})
		}
		return cs, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownScheme, scheme)
	}
}

func (f *Formulator) full(agent int, states []motion.Vec2, t0 float64, first bool, scheme Scheme) []Constraint {
	radius := f.params.Radius(scheme)
	cs := make([]Constraint, 0, len(states)+1)
	for i, x := range states {
		cs = append(cs, Constraint{Agent: agent, Center: f.params.quantize(x), Time: f.params.at(t0, i), Radius: radius})
	}
	if !first {
		last := states[len(states)-1]
		cs = append(cs, Constraint{Agent: agent, Center: f.params.quantize(last), Time: f.params.at(t0, len(states)), Radius: radius})
	}
	return cs
}

func (f *Formulator) continuous(agent int, states []motion.Vec2, t0 float64, first bool) []Constraint {
	radius := f.params.Radius(Continuous)
	cs := make([]Constraint, 0, len(states)+1)
	for i, x := range states {
		cs = append(cs, Constraint{Agent: agent, Center: x, Time: f.params.at(t0, i), Radius: radius})
	}
	if !first {
		cs = append(cs, Constraint{Agent: agent, Center: states[len(states)-1], Time: f.params.at(t0, len(states)), Radius: radius})
	}
	return cs
}

// remember returns the constraints of cs that differ from what agent last
// sent for the same time. The memory keeps one constraint per time, the way
// a Store replaces entries on receipt, so a plan that reverts to an earlier
// position is sent again. Entries older than t0 are forgotten first.
func (f *Formulator) remember(agent int, t0 float64, cs []Constraint) []Constraint {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := f.memory[agent][:0]
	for _, c := range f.memory[agent] {
		if c.Time >= t0 || sameTime(c.Time, t0) {
			sent = append(sent, c)
		}
	}
	var delta []Constraint
	for _, c := range cs {
		i := slices.IndexFunc(sent, func(s Constraint) bool { return sameTime(s.Time, c.Time) })
		switch {
		case i < 0:
			sent = append(sent, c)
		case Equal(c, sent[i]):
			continue
		default:
			sent[i] = c
		}
		delta = append(delta, c)
	}
	f.memory[agent] = sent
	return delta
}

func (f *Formulator) interval(agent int, states []motion.Vec2, t0 float64, scheme Scheme) []Constraint {
	p := f.params
	full := f.full(agent, states, t0, true, scheme)
	lo, hi := full[0].Center, full[0].Center
	for _, c := range full[1:] {
		lo.X, lo.Y = math.Min(lo.X, c.Center.X), math.Min(lo.Y, c.Center.Y)
		hi.X, hi.Y = math.Max(hi.X, c.Center.X), math.Max(hi.Y, c.Center.Y)
	}
	delta := p.N - minSteps(lo, hi, p.T, p.UMax)
	if delta < 0 {
		delta = 0
	}
	dir := states[len(states)-1].Sub(states[0]).Sign()
	base := Constraint{Agent: agent, Time: p.at(t0, 1), Radius: p.Radius(scheme), Direction: dir, Delta: delta}
	minC, maxC := base, base
	minC.Kind, minC.Center = Min, lo
	maxC.Kind, maxC.Center = Max, hi
	return []Constraint{minC, maxC}
}

// minSteps is the number of whole steps needed to travel from lo to hi at
// full speed on both axes.
func minSteps(lo, hi motion.Vec2, T, uMax float64) int {
	step := motion.Vec2{X: T * uMax, Y: T * uMax}.Norm()
	if step <= 0 {
		return 0
	}
	return int(math.Floor(hi.Sub(lo).Norm() / step))
}

// Reconstruct expands min/max interval pairs into dense point constraints at
// grid resolution for every step of the horizon starting at t0. Point
// constraints pass through unchanged, and non-interval schemes return cs as
// is. Each publishing agent must contribute exactly one Min and one Max.
func (f *Formulator) Reconstruct(cs []Constraint, t0 float64, scheme Scheme) ([]Constraint, error) {
	if !scheme.Interval() {
		return cs, nil
	}
	type pair struct {
		lo, hi *Constraint
	}
	pairs := make(map[int]*pair)
	var order []int
	var out []Constraint
	for i := range cs {
		c := &cs[i]
		if c.Kind == Point {
			out = append(out, *c)
			continue
		}
		pr, ok := pairs[c.Agent]
		if !ok {
			pr = &pair{}
			pairs[c.Agent] = pr
			order = append(order, c.Agent)
		}
		switch c.Kind {
		case Min:
			if pr.lo != nil {
				return nil, fmt.Errorf("%w: agent %d published two min corners", ErrMalformedConstraintSet, c.Agent)
			}
			pr.lo = c
		case Max:
			if pr.hi != nil {
				return nil, fmt.Errorf("%w: agent %d published two max corners", ErrMalformedConstraintSet, c.Agent)
			}
			pr.hi = c
		}
	}
	for _, agent := range order {
		pr := pairs[agent]
		if pr.lo == nil || pr.hi == nil {
			return nil, fmt.Errorf("%w: agent %d min/max pair incomplete", ErrMalformedConstraintSet, agent)
		}
		out = append(out, f.expand(*pr.lo, *pr.hi, t0, scheme == MinMaxIntervalMoving)...)
	}
	return out, nil
}

func (f *Formulator) expand(lo, hi Constraint, t0 float64, moving bool) []Constraint {
	p := f.params
	pitch := p.CellSize
	nx, ny := 1, 1
	if pitch > 0 {
		nx = int(math.Round((hi.Center.X-lo.Center.X)/pitch)) + 1
		ny = int(math.Round((hi.Center.Y-lo.Center.Y)/pitch)) + 1
	}

	// The corner the publisher is heading to; for a negative direction it is
	// the min corner on that axis.
	end := hi.Center
	if lo.Direction.X < 0 {
		end.X = lo.Center.X
	}
	if lo.Direction.Y < 0 {
		end.Y = lo.Center.Y
	}
	stepDist := motion.Vec2{X: p.T * p.UMax, Y: p.T * p.UMax}.Norm()

	out := make([]Constraint, 0, nx*ny*p.N)
	for i := 0; i < p.N; i++ {
		tm := p.at(t0, i)
		for ix := 0; ix < nx; ix++ {
			for iy := 0; iy < ny; iy++ {
				pt := motion.Vec2{X: lo.Center.X + float64(ix)*pitch, Y: lo.Center.Y + float64(iy)*pitch}
				if moving && i > lo.Delta && end.Sub(pt).Norm() >= float64(p.N-i)*stepDist {
					continue
				}
				out = append(out, Constraint{Agent: lo.Agent, Center: pt, Time: tm, Radius: lo.Radius})
			}
		}
	}
	return out
}
