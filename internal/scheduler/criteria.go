package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

var (
	// ErrUnknownCriteria is returned by ParseCriteria.
	ErrUnknownCriteria = errors.New("unknown priority criteria")
	// ErrUnknownStrategy is returned by ParseStrategy.
	ErrUnknownStrategy = errors.New("unknown scheduling strategy")
)

// Candidate is one agent as seen by the sorter: its unconstrained
// prediction and the costs the comparator ranks by.
type Candidate struct {
	ID         int
	States     []motion.Vec2
	OpenLoop   float64
	ClosedLoop float64
}

// Criteria decides which of two conflicting agents yields.
type Criteria int

const (
	// Fixed gives priority to the agent admitted first.
	Fixed Criteria = iota
	MinOpenLoop
	MinClosedLoop
	MaxOpenLoop
	MaxClosedLoop
)

var criteriaNames = map[Criteria]string{
	Fixed:         "fixed",
	MinOpenLoop:   "min-open-loop",
	MinClosedLoop: "min-closed-loop",
	MaxOpenLoop:   "max-open-loop",
	MaxClosedLoop: "max-closed-loop",
}

func (c Criteria) String() string {
	if n, ok := criteriaNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Criteria(%d)", int(c))
}

// ParseCriteria accepts the names produced by String.
func ParseCriteria(name string) (Criteria, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
	if norm == "" {
		return Fixed, nil
	}
	for c, n := range criteriaNames {
		if n == norm {
			return c, nil
		}
	}
	return Fixed, fmt.Errorf("%w: %q", ErrUnknownCriteria, name)
}

// Loser returns the id of the agent that becomes the successor. Under the
// min criteria the higher-cost agent yields, under the max criteria the
// lower-cost one. Ties, and the Fixed criteria, go against the agent
// admitted later.
func (c Criteria) Loser(a, b Candidate, orderA, orderB int) int {
	later := a.ID
	if orderB > orderA {
		later = b.ID
	}
	var ca, cb float64
	switch c {
	case MinOpenLoop, MaxOpenLoop:
		ca, cb = a.OpenLoop, b.OpenLoop
	case MinClosedLoop, MaxClosedLoop:
		ca, cb = a.ClosedLoop, b.ClosedLoop
	default:
		return later
	}
	if ca == cb {
		return later
	}
	higher, lower := a.ID, b.ID
	if cb > ca {
		higher, lower = b.ID, a.ID
	}
	if c == MaxOpenLoop || c == MaxClosedLoop {
		return lower
	}
	return higher
}

// Strategy selects how much of the previous tick's ordering is kept.
type Strategy int

const (
	// Flat recomputes the ordering from scratch every tick.
	Flat Strategy = iota
	// Hierarchical keeps the previous rows, demotes new conflicts and
	// promotes agents whose upper row no longer constrains them.
	Hierarchical
	// Tree keeps an explicit dependency tree and only repairs the edges
	// affected by new or vanished conflicts.
	Tree
)

func (s Strategy) String() string {
	switch s {
	case Flat:
		return "flat"
	case Hierarchical:
		return "hierarchical"
	case Tree:
		return "tree"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps "flat", "hierarchical" and "tree" to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "flat":
		return Flat, nil
	case "hierarchical", "hierarchy":
		return Hierarchical, nil
	case "tree":
		return Tree, nil
	default:
		return Flat, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
