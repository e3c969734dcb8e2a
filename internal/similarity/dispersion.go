package similarity

import "math"

// Mean returns the arithmetic mean of values, or 0 for an empty series.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// Dispersion summarises a numeric series.
type Dispersion struct {
	Mean                   float64
	StdDev                 float64
	CoefficientOfVariation float64
	N                      int
}

// CoefficientOfVariation computes stddev/mean. ok is false for degenerate
// series (fewer than two values or a zero mean), where the ratio is undefined.
func CoefficientOfVariation(values []float64) (Dispersion, bool) {
	d := Dispersion{N: len(values)}
	if len(values) < 2 {
		return d, false
	}
	d.Mean = Mean(values)
	if d.Mean == 0 {
		return d, false
	}
	d.StdDev = StdDev(values)
	d.CoefficientOfVariation = d.StdDev / math.Abs(d.Mean)
	return d, true
}
