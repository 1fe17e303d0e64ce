// Package scheduler orders agents into execution tiers. Agents are held in a
// Queue, a DAG whose edges a->b mean that b plans against the constraints a
// publishes; an agent's tier is 0 without predecessors and otherwise one more
// than the highest tier among them.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/samber/lo"
)

var (
	// ErrDependencyCycle reports a broken DAG invariant. It is fatal to a run.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrUnknownAgent is returned for ids that were never added.
	ErrUnknownAgent = errors.New("unknown agent")
)

// CycleError names the edge that closes, or would close, a cycle.
type CycleError struct {
	From, To int
	Reason   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %d->%d: %s", e.From, e.To, e.Reason)
}

func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// Queue is the tier structure over agent ids.
type Queue struct {
	next  int
	seq   map[int]int
	level map[int]int
	succ  map[int][]int
	pred  map[int][]int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		seq:   make(map[int]int),
		level: make(map[int]int),
		succ:  make(map[int][]int),
		pred:  make(map[int][]int),
	}
}

// Add appends id at tier 0. Adding a known id is a no-op.
func (q *Queue) Add(id int) {
	if _, ok := q.seq[id]; ok {
		return
	}
	q.seq[id] = q.next
	q.next++
	q.level[id] = 0
}

// Has reports whether id is queued.
func (q *Queue) Has(id int) bool {
	_, ok := q.seq[id]
	return ok
}

// Len returns the number of queued agents.
func (q *Queue) Len() int { return len(q.seq) }

// IDs returns the queued agents in admission order.
func (q *Queue) IDs() []int {
	ids := lo.Keys(q.seq)
	sort.Slice(ids, func(i, j int) bool { return q.seq[ids[i]] < q.seq[ids[j]] })
	return ids
}

// Order returns the admission rank of id.
func (q *Queue) Order(id int) int { return q.seq[id] }

// Tier returns the execution tier of id.
func (q *Queue) Tier(id int) int { return q.level[id] }

// Rows groups the agents by tier, each row in admission order.
func (q *Queue) Rows() [][]int {
	var rows [][]int
	for _, id := range q.IDs() {
		l := q.level[id]
		for len(rows) <= l {
			rows = append(rows, nil)
		}
		rows[l] = append(rows[l], id)
	}
	return lo.Filter(rows, func(r []int, _ int) bool { return len(r) > 0 })
}

// Successors returns the direct successors of id.
func (q *Queue) Successors(id int) []int { return slices.Clone(q.succ[id]) }

// Predecessors returns the direct predecessors of id.
func (q *Queue) Predecessors(id int) []int { return slices.Clone(q.pred[id]) }

// Remove drops id. Its predecessors inherit its successors so that the
// ordering between them survives.
func (q *Queue) Remove(id int) {
	if !q.Has(id) {
		return
	}
	preds, succs := q.pred[id], q.succ[id]
	for _, p := range preds {
		q.succ[p] = lo.Without(q.succ[p], id)
	}
	for _, s := range succs {
		q.pred[s] = lo.Without(q.pred[s], id)
	}
	for _, p := range preds {
		for _, s := range succs {
			q.link(p, s)
		}
	}
	delete(q.seq, id)
	delete(q.level, id)
	delete(q.succ, id)
	delete(q.pred, id)
	for _, s := range succs {
		q.MoveSuccessor(s)
	}
}

// Reset drops every edge and puts all agents back on tier 0.
func (q *Queue) Reset() {
	for id := range q.seq {
		q.level[id] = 0
		delete(q.succ, id)
		delete(q.pred, id)
	}
}

func (q *Queue) link(a, b int) {
	if !slices.Contains(q.succ[a], b) {
		q.succ[a] = append(q.succ[a], b)
		q.pred[b] = append(q.pred[b], a)
	}
}

// AddSuccessor records a->b and moves b, and everything depending on it, to
// the tier its predecessors imply. Edges that would close a cycle are
// refused.
func (q *Queue) AddSuccessor(a, b int) error {
	if !q.Has(a) || !q.Has(b) {
		return fmt.Errorf("%w: %d->%d", ErrUnknownAgent, a, b)
	}
	if a == b {
		return &CycleError{From: a, To: b, Reason: "self dependency"}
	}
	if q.IsSuccessor(b, a) {
		return &CycleError{From: a, To: b, Reason: "target already precedes source"}
	}
	q.link(a, b)
	q.MoveSuccessor(b)
	return nil
}

// MoveSuccessor recomputes the tier of id from its predecessors and
// propagates the change through its successors.
func (q *Queue) MoveSuccessor(id int) {
	q.level[id] = q.levelFromPreds(id)
	for _, s := range q.succ[id] {
		q.MoveSuccessor(s)
	}
}

func (q *Queue) levelFromPreds(id int) int {
	preds := q.pred[id]
	if len(preds) == 0 {
		return 0
	}
	return 1 + lo.Max(lo.Map(preds, func(p int, _ int) int { return q.level[p] }))
}

// RemoveSuccessor cuts a->b. The predecessors of a become predecessors of b
// and the successors of b become successors of a, which keeps every
// transitive ordering that did not run through the cut edge itself.
func (q *Queue) RemoveSuccessor(a, b int) error {
	if !slices.Contains(q.succ[a], b) {
		return fmt.Errorf("%w: no edge %d->%d", ErrUnknownAgent, a, b)
	}
	q.succ[a] = lo.Without(q.succ[a], b)
	q.pred[b] = lo.Without(q.pred[b], a)
	for _, p := range q.pred[a] {
		q.link(p, b)
	}
	for _, s := range q.succ[b] {
		q.link(a, s)
	}
	q.MoveSuccessor(b)
	return nil
}

// IsSuccessor reports whether b is reachable from a.
func (q *Queue) IsSuccessor(a, b int) bool {
	seen := map[int]bool{}
	stack := slices.Clone(q.succ[a])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == b {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, q.succ[n]...)
	}
	return false
}

// IsPredecessor reports whether b reaches a.
func (q *Queue) IsPredecessor(a, b int) bool { return q.IsSuccessor(b, a) }

// InRelation reports whether a and b are ordered with respect to each other.
func (q *Queue) InRelation(a, b int) bool {
	return q.IsSuccessor(a, b) || q.IsSuccessor(b, a)
}

// RecursivePredecessors returns every agent id transitively depends on, in
// admission order.
func (q *Queue) RecursivePredecessors(id int) []int {
	seen := map[int]bool{}
	stack := slices.Clone(q.pred[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, q.pred[n]...)
	}
	out := lo.Keys(seen)
	sort.Slice(out, func(i, j int) bool { return q.seq[out[i]] < q.seq[out[j]] })
	return out
}

// Validate checks that the graph is acyclic and that every tier equals one
// more than the highest tier of its predecessors.
func (q *Queue) Validate() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[int]int, len(q.seq))
	var visit func(n int) error
	visit = func(n int) error {
		color[n] = grey
		for _, s := range q.succ[n] {
			switch color[s] {
			case grey:
				return &CycleError{From: n, To: s, Reason: "cycle detected"}
			case white:
				if err := visit(s); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}
	for _, id := range q.IDs() {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	for _, id := range q.IDs() {
		for _, s := range q.succ[id] {
			if q.level[s] <= q.level[id] {
				return &CycleError{From: id, To: s, Reason: fmt.Sprintf("tier %d does not exceed %d", q.level[s], q.level[id])}
			}
		}
		if want := q.levelFromPreds(id); q.level[id] != want {
			return &CycleError{From: id, To: id, Reason: fmt.Sprintf("tier %d, predecessors imply %d", q.level[id], want)}
		}
	}
	return nil
}
