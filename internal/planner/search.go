package planner

import (
	"context"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// gradientSearch minimises the penalised objective with projected gradient
// steps and a backtracking line search, raising the penalty weight tenfold
// until the candidate is feasible or the schedule is exhausted.
func (b *base) gradientSearch(ctx context.Context, p *problem, u []motion.Vec2) ([]motion.Vec2, int, error) {
	iters := 0
	for p.weight = p.opts.PenaltyStart; ; p.weight *= 10 {
		if err := ctx.Err(); err != nil {
			return nil, iters, err
		}
		f := p.objective(u)
		step := 0.5
		for it := 0; it < p.opts.MaxIterations; it++ {
			iters++
			g := p.gradient(u)
			improved := false
			for ls := 0; ls < 40; ls++ {
				cand := make([]motion.Vec2, len(u))
				for k := range u {
					cand[k] = u[k].Sub(g[k].Scale(step))
				}
				cand = p.project(cand)
				if fc := p.objective(cand); fc < f-1e-12 {
					u, f = cand, fc
					step *= 1.5
					improved = true
					break
				}
				step *= 0.5
			}
			if !improved || p.stopReached(u) {
				break
			}
		}
		if p.stopReached(u) || p.feasible(u) || p.weight >= p.opts.PenaltyMax {
			return u, iters, nil
		}
	}
}

// patternSearch is a compass search over every control component. It needs
// no gradient and is used when constraint values are too coarse for the
// gradient variant.
func (b *base) patternSearch(ctx context.Context, p *problem, u []motion.Vec2) ([]motion.Vec2, int, error) {
	iters := 0
	span := p.opts.ControlUpper.Sub(p.opts.ControlLower).NormInf()
	for p.weight = p.opts.PenaltyStart; ; p.weight *= 10 {
		if err := ctx.Err(); err != nil {
			return nil, iters, err
		}
		f := p.objective(u)
		delta := span / 4
		for it := 0; it < p.opts.MaxIterations && delta > 1e-4; it++ {
			iters++
			improved := false
			for k := range u {
				for axis := 0; axis < 2; axis++ {
					for _, s := range []float64{1, -1} {
						cand := append([]motion.Vec2(nil), u...)
						if axis == 0 {
							cand[k].X += s * delta
						} else {
							cand[k].Y += s * delta
						}
						cand = p.project(cand)
						if fc := p.objective(cand); fc < f-1e-12 {
							u, f = cand, fc
							improved = true
						}
					}
				}
			}
			if !improved {
				delta /= 2
			}
			if p.stopReached(u) {
				break
			}
		}
		if p.stopReached(u) || p.feasible(u) || p.weight >= p.opts.PenaltyMax {
			return u, iters, nil
		}
	}
}
