package scheduler

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/intersection-coordinator/internal/scheduler"

// Config parameterises a Sorter.
type Config struct {
	Strategy Strategy
	Criteria Criteria
	// T is the sampling step of the predictions.
	T float64
	// Margin is the safety margin; together with the cell size it fixes
	// the cell radius within which two predictions conflict.
	Margin float64
}

// Input is everything one scheduling pass looks at.
type Input struct {
	Agents []Candidate
	// Store holds the constraints published during the previous tick.
	Store *constraint.Store
	// Expand turns stored constraints into point constraints; nil means
	// they are used as stored.
	Expand func(cs []constraint.Constraint) ([]constraint.Constraint, error)
	T0     float64
}

// Plan is the outcome of one pass.
type Plan struct {
	Rows [][]int
	// Demoted lists agents moved to a later tier during this pass.
	Demoted []int
	// Promoted lists agents moved to an earlier tier during this pass.
	Promoted []int
}

// Option customises a Sorter.
type Option func(*Sorter)

// WithLogger sets the logger used for ordering decisions.
func WithLogger(l logging.Logger) Option {
	return func(s *Sorter) {
		if l != nil {
			s.log = l
		}
	}
}

// Sorter partitions agents into tiers once per tick.
type Sorter struct {
	cfg   Config
	grid  *grid.Grid
	queue *Queue
	reach int
	log   logging.Logger
}

// NewSorter builds a sorter over the given grid and queue.
func NewSorter(cfg Config, g *grid.Grid, q *Queue, opts ...Option) *Sorter {
	s := &Sorter{
		cfg:   cfg,
		grid:  g,
		queue: q,
		reach: int(math.Ceil(cfg.Margin/g.CellSize() - 1e-9)),
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue exposes the underlying tier structure.
func (s *Sorter) Queue() *Queue { return s.queue }

// Reach returns the conflict radius in cells.
func (s *Sorter) Reach() int { return s.reach }

// Conflict reports whether two predictions come within Reach cells of each
// other at the same horizon step.
func (s *Sorter) Conflict(a, b Candidate) bool {
	n := min(len(a.States), len(b.States))
	for i := 0; i < n; i++ {
		ca, _ := s.grid.CellOf(a.States[i])
		cb, _ := s.grid.CellOf(b.States[i])
		if ca.Chebyshev(cb) <= s.reach {
			return true
		}
	}
	return false
}

// Sources returns the agents whose published constraints id has to respect:
// every agent on a strictly earlier tier, whatever the strategy.
func (s *Sorter) Sources(id int) []int {
	tier := s.queue.Tier(id)
	return lo.Filter(s.queue.IDs(), func(other int, _ int) bool {
		return s.queue.Tier(other) < tier
	})
}

type pass struct {
	s        *Sorter
	in       Input
	byID     map[int]Candidate
	conflict map[[2]int]bool
	demoted  map[int]bool
	plan     Plan
}

// Sort updates the queue for this tick and returns the resulting rows. The
// queue is validated afterwards; a violated invariant is returned as an
// error wrapping ErrDependencyCycle.
func (s *Sorter) Sort(ctx context.Context, in Input) (Plan, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.Sort", trace.WithAttributes(
		attribute.String("strategy", s.cfg.Strategy.String()),
		attribute.String("criteria", s.cfg.Criteria.String()),
		attribute.Int("agents", len(in.Agents)),
	))
	defer span.End()

	p := &pass{
		s:        s,
		in:       in,
		byID:     lo.SliceToMap(in.Agents, func(c Candidate) (int, Candidate) { return c.ID, c }),
		conflict: make(map[[2]int]bool),
		demoted:  make(map[int]bool),
	}
	s.sync(p)

	var err error
	switch s.cfg.Strategy {
	case Flat:
		s.queue.Reset()
		err = p.demoteWithinRows()
	case Hierarchical:
		if err = p.demoteWithinRows(); err == nil {
			err = p.promoteRows()
		}
		// A promoted agent can land next to one it conflicts with.
		if err == nil {
			err = p.demoteWithinRows()
			p.plan.Promoted = lo.Reject(p.plan.Promoted, func(id int, _ int) bool { return p.demoted[id] })
		}
	case Tree:
		if err = p.linkUnrelated(); err == nil {
			err = p.pruneEdges()
		}
	default:
		err = fmt.Errorf("%w: %v", ErrUnknownStrategy, s.cfg.Strategy)
	}
	if err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	if err := s.queue.Validate(); err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	p.plan.Rows = s.queue.Rows()
	span.SetAttributes(attribute.Int("tiers", len(p.plan.Rows)))
	s.log.Debug(ctx, "agents sorted",
		logging.String("strategy", s.cfg.Strategy.String()),
		logging.Int("tiers", len(p.plan.Rows)),
		logging.Any("demoted", p.plan.Demoted),
		logging.Any("promoted", p.plan.Promoted),
	)
	return p.plan, nil
}

// sync aligns the queue with the agents present this tick.
func (s *Sorter) sync(p *pass) {
	for _, id := range s.queue.IDs() {
		if _, ok := p.byID[id]; !ok {
			s.queue.Remove(id)
		}
	}
	for _, c := range p.in.Agents {
		s.queue.Add(c.ID)
	}
}

func (p *pass) conflicts(a, b int) bool {
	key := [2]int{min(a, b), max(a, b)}
	if v, ok := p.conflict[key]; ok {
		return v
	}
	v := p.s.Conflict(p.byID[a], p.byID[b])
	p.conflict[key] = v
	return v
}

func (p *pass) rank(a, b int) (winner, loser int) {
	q := p.s.queue
	l := p.s.cfg.Criteria.Loser(p.byID[a], p.byID[b], q.Order(a), q.Order(b))
	if l == a {
		return b, a
	}
	return a, b
}

func (p *pass) demote(winner, loser int) error {
	if err := p.s.queue.AddSuccessor(winner, loser); err != nil {
		return err
	}
	p.demoted[loser] = true
	if !slices.Contains(p.plan.Demoted, loser) {
		p.plan.Demoted = append(p.plan.Demoted, loser)
	}
	return nil
}

// demoteWithinRows resolves conflicts between agents sharing a tier until
// none remain. Each resolution raises one agent's tier and tiers are
// bounded by the agent count, so the loop terminates.
func (p *pass) demoteWithinRows() error {
	limit := p.s.queue.Len()*p.s.queue.Len() + 1
	for round := 0; round < limit; round++ {
		changed := false
		for _, row := range p.s.queue.Rows() {
			for i := 0; i < len(row) && !changed; i++ {
				for j := i + 1; j < len(row); j++ {
					if !p.conflicts(row[i], row[j]) {
						continue
					}
					winner, loser := p.rank(row[i], row[j])
					if err := p.demote(winner, loser); err != nil {
						return err
					}
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
		if !changed {
			return nil
		}
	}
	return &CycleError{From: -1, To: -1, Reason: "row conflicts did not settle"}
}

func (p *pass) expand(cs []constraint.Constraint) ([]constraint.Constraint, error) {
	if p.in.Expand == nil {
		return cs, nil
	}
	return p.in.Expand(cs)
}

// constrainedBy reports whether the prediction of id violates any constraint
// published by the given agents. The current state is not tested; it cannot
// be changed anymore.
func (p *pass) constrainedBy(id int, publishers ...int) (bool, error) {
	if p.in.Store == nil {
		return false, nil
	}
	states := p.byID[id].States
	if len(states) < 2 {
		return false, nil
	}
	cs, err := p.expand(p.in.Store.For(publishers...))
	if err != nil {
		return false, err
	}
	return constraint.Active(cs, states[1:], p.in.T0+p.s.cfg.T, p.s.cfg.T), nil
}

// promoteRows walks the rows bottom-up and lifts every agent that was not
// demoted in this pass and is no longer constrained by the row above it.
func (p *pass) promoteRows() error {
	q := p.s.queue
	rows := q.Rows()
	for r := len(rows) - 1; r > 0; r-- {
		upper := rows[r-1]
		for _, id := range rows[r] {
			if p.demoted[id] {
				continue
			}
			active, err := p.constrainedBy(id, upper...)
			if err != nil {
				return err
			}
			if active {
				continue
			}
			tier := q.Tier(id)
			for _, pred := range q.Predecessors(id) {
				if q.Tier(pred) == tier-1 {
					if err := q.RemoveSuccessor(pred, id); err != nil {
						return err
					}
				}
			}
			if q.Tier(id) < tier {
				p.plan.Promoted = append(p.plan.Promoted, id)
			}
		}
	}
	return nil
}

// linkUnrelated adds an edge for every conflicting pair that is not yet
// ordered, in any tier.
func (p *pass) linkUnrelated() error {
	q := p.s.queue
	ids := q.IDs()
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if q.InRelation(a, b) || !p.conflicts(a, b) {
				continue
			}
			winner, loser := p.rank(a, b)
			if err := p.demote(winner, loser); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneEdges walks the rows bottom-up and cuts edges from direct
// predecessors whose constraints no longer bind the successor. Agents that
// gained an edge in this pass are left alone.
func (p *pass) pruneEdges() error {
	q := p.s.queue
	rows := q.Rows()
	for r := len(rows) - 1; r > 0; r-- {
		for _, id := range rows[r] {
			if p.demoted[id] {
				continue
			}
			tier := q.Tier(id)
			for _, pred := range q.Predecessors(id) {
				if !slices.Contains(q.Predecessors(id), pred) {
					continue
				}
				active, err := p.constrainedBy(id, pred)
				if err != nil {
					return err
				}
				if active {
					continue
				}
				if err := q.RemoveSuccessor(pred, id); err != nil {
					return err
				}
			}
			if q.Tier(id) < tier {
				p.plan.Promoted = append(p.plan.Promoted, id)
			}
		}
	}
	return nil
}
