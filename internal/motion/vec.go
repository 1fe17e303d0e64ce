// Package motion holds the planar geometry and the holonomic integrator
// shared by the grid, constraint and planner packages.
package motion

import "math"

// Vec2 is a point or velocity in the intersection plane (metres, m/s).
type Vec2 struct {
	X, Y float64
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }

// Scale returns s*v.
func (v Vec2) Scale(s float64) Vec2 { return Vec2{X: v.X * s, Y: v.Y * s} }

// Norm returns the Euclidean norm.
func (v Vec2) Norm() float64 { return math.Hypot(v.X, v.Y) }

// NormInf returns the infinity (Chebyshev) norm.
func (v Vec2) NormInf() float64 { return math.Max(math.Abs(v.X), math.Abs(v.Y)) }

// DistanceTo returns the Euclidean distance between two points.
func (v Vec2) DistanceTo(o Vec2) float64 { return v.Sub(o).Norm() }

// Clamp limits each component to [lo, hi].
func (v Vec2) Clamp(lo, hi Vec2) Vec2 {
	return Vec2{X: clamp(v.X, lo.X, hi.X), Y: clamp(v.Y, lo.Y, hi.Y)}
}

// Rotate returns v rotated counter-clockwise by angle radians.
func (v Vec2) Rotate(angle float64) Vec2 {
	s, c := math.Sincos(angle)
	return Vec2{X: v.X*c - v.Y*s, Y: v.X*s + v.Y*c}
}

// Sign returns the component-wise sign of v, mapping zero to +1.
func (v Vec2) Sign() Vec2 {
	return Vec2{X: signOrOne(v.X), Y: signOrOne(v.Y)}
}

// Unit returns v/|v|, or the zero vector when v is (numerically) zero.
func (v Vec2) Unit() Vec2 {
	n := v.Norm()
	if n < 1e-12 {
		return Vec2{}
	}
	return v.Scale(1 / n)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func signOrOne(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
