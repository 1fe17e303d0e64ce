// Package arrival generates agents entering the intersection.
package arrival

import (
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// Spawn is an agent about to enter at an entry point.
type Spawn struct {
	Entry  grid.Entry
	Start  motion.Vec2
	Target motion.Vec2
}

// Source yields the agents arriving during one tick.
type Source interface {
	Arrivals(tick int) []Spawn
}

// SpawnAt builds the straight-through trip starting at e.
func SpawnAt(g *grid.Grid, e grid.Entry) Spawn {
	return Spawn{Entry: e, Start: g.Center(e.Cell), Target: g.Center(g.ExitFor(e))}
}

// Crosswise returns up to n trips, one per side in turn, each using the
// innermost inbound lane of its side.
func Crosswise(g *grid.Grid, n int) []Spawn {
	bySide := map[grid.Side][]grid.Entry{}
	for _, e := range g.EntryPoints() {
		bySide[e.Side] = append(bySide[e.Side], e)
	}
	inner := func(side grid.Side) (grid.Entry, bool) {
		es := bySide[side]
		if len(es) == 0 {
			return grid.Entry{}, false
		}
		switch side {
		case grid.Top, grid.Right:
			return es[len(es)-1], true
		default:
			return es[0], true
		}
	}
	var out []Spawn
	for i := 0; len(out) < n && i < 4*n; i++ {
		if e, ok := inner(grid.Side(i % 4)); ok {
			out = append(out, SpawnAt(g, e))
		}
	}
	return out
}

// RatePerTick converts a mean arrival count per metric seconds into the
// Poisson rate of one sampling step T.
func RatePerTick(mean, metricSeconds, T float64) float64 {
	if metricSeconds <= 0 || T <= 0 {
		return 0
	}
	return mean / (metricSeconds * (1 / T))
}

// Poisson draws independent Poisson arrivals at every entry point.
type Poisson struct {
	grid    *grid.Grid
	entries []grid.Entry
	lambda  []float64
	rngs    []*rand.Rand
}

// NewPoisson creates a source with the given per-tick rate at every entry.
// rateFor may override the rate for a side; it returns ok=false to keep the
// default.
func NewPoisson(g *grid.Grid, seed uint64, perTick float64, rateFor func(grid.Side) (float64, bool)) *Poisson {
	entries := g.EntryPoints()
	p := &Poisson{grid: g, entries: entries}
	for i, e := range entries {
		lambda := perTick
		if rateFor != nil {
			if r, ok := rateFor(e.Side); ok {
				lambda = r
			}
		}
		p.lambda = append(p.lambda, lambda)
		p.rngs = append(p.rngs, rand.New(rand.NewPCG(seed, uint64(i)+1)))
	}
	return p
}

// Arrivals samples every entry point once.
func (p *Poisson) Arrivals(int) []Spawn {
	var out []Spawn
	for i, e := range p.entries {
		for n := sample(p.rngs[i], p.lambda[i]); n > 0; n-- {
			out = append(out, SpawnAt(p.grid, e))
		}
	}
	return out
}

// sample draws from Poisson(lambda) by multiplying uniforms until the
// product drops below e^-lambda.
func sample(r *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	limit := math.Exp(-lambda)
	k, prod := 0, r.Float64()
	for prod > limit {
		k++
		prod *= r.Float64()
	}
	return k
}
