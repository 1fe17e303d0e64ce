package motion

// Holonomic integrates x[i+1] = x[i] + T*u[i] from x0 and returns n states,
// x0 included. Controls beyond n-1 are ignored; a short control sequence is
// padded with zero velocity.
func Holonomic(x0 Vec2, u []Vec2, T float64, n int) []Vec2 {
	if n <= 0 {
		return nil
	}
	states := make([]Vec2, n)
	states[0] = x0
	for i := 0; i < n-1; i++ {
		var ui Vec2
		if i < len(u) {
			ui = u[i]
		}
		states[i+1] = states[i].Add(ui.Scale(T))
	}
	return states
}

// StageCost is ||x - target||_2 + lambda*||u||_2.
func StageCost(x, u, target Vec2, lambda float64) float64 {
	return x.DistanceTo(target) + lambda*u.Norm()
}

// HorizonCost sums the stage cost over a trajectory and its controls.
func HorizonCost(states, u []Vec2, target Vec2, lambda float64) float64 {
	total := 0.0
	for i, x := range states {
		var ui Vec2
		if i < len(u) {
			ui = u[i]
		}
		total += StageCost(x, ui, target, lambda)
	}
	return total
}
