package grid

import "github.com/signalsfoundry/intersection-coordinator/internal/motion"

// Side names the edge of the intersection an agent enters from.
type Side int

const (
	Top Side = iota
	Right
	Bottom
	Left
)

func (s Side) String() string {
	switch s {
	case Top:
		return "top"
	case Right:
		return "right"
	case Bottom:
		return "bottom"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Entry is a lane start on the boundary of the grid. Heading points into the
// intersection.
type Entry struct {
	Side    Side
	Cell    Cell
	Heading motion.Vec2
}

// EntryPoints lists the inbound lane starts. Each side carries inbound
// traffic on one half of its cells so that opposing flows use disjoint lanes.
func (g *Grid) EntryPoints() []Entry {
	var out []Entry
	for i := 0; i < g.cols/2; i++ {
		out = append(out, Entry{Side: Top, Cell: Cell{X: i, Y: 0}, Heading: motion.Vec2{Y: 1}})
	}
	for i := 0; i < g.rows/2; i++ {
		out = append(out, Entry{Side: Right, Cell: Cell{X: g.cols - 1, Y: i}, Heading: motion.Vec2{X: -1}})
	}
	for i := (g.cols + 1) / 2; i < g.cols; i++ {
		out = append(out, Entry{Side: Bottom, Cell: Cell{X: i, Y: g.rows - 1}, Heading: motion.Vec2{Y: -1}})
	}
	for i := (g.rows + 1) / 2; i < g.rows; i++ {
		out = append(out, Entry{Side: Left, Cell: Cell{X: 0, Y: i}, Heading: motion.Vec2{X: 1}})
	}
	return out
}

// ExitFor returns the cell on the opposite edge reached by driving straight
// through the intersection from e.
func (g *Grid) ExitFor(e Entry) Cell {
	switch e.Side {
	case Top:
		return Cell{X: e.Cell.X, Y: g.rows - 1}
	case Right:
		return Cell{X: 0, Y: e.Cell.Y}
	case Bottom:
		return Cell{X: e.Cell.X, Y: 0}
	default:
		return Cell{X: g.cols - 1, Y: e.Cell.Y}
	}
}
