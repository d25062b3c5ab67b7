package profile

import "math"

// WilsonCI95 for Bernoulli win rate counting a draw as half a win.
func WilsonCI95(wins, draws, total int) (low, hi float64) {
	if total <= 0 {
		return 0, 1
	}
	z := 1.96
	n := float64(total)
	p := (float64(wins) + 0.5*float64(draws)) / n
	den := 1 + (z*z)/n
	center := p + (z*z)/(2*n)
	half := z * math.Sqrt((p*(1-p))/n+(z*z)/(4*n*n))
	return math.Max(0, (center-half)/den), math.Min(1, (center+half)/den)
}

// popStdDev is the population standard deviation of deltas.
func popStdDev(deltas []int) float64 {
	if len(deltas) == 0 {
		return 0
	}
	mean := 0.0
	for _, d := range deltas {
		mean += float64(d)
	}
	mean /= float64(len(deltas))
	ss := 0.0
	for _, d := range deltas {
		x := float64(d) - mean
		ss += x * x
	}
	return math.Sqrt(ss / float64(len(deltas)))
}
