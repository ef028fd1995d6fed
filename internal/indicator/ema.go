package indicator

import (
	"errors"
	"math"
)

// ErrInsufficientData reports that a series is too short for the requested indicator.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// EMA computes the exponential moving average with alpha = 2/(span+1).
// The first output equals the first input. Returns nil for empty input.
func EMA(series []float64, span int) []float64 {
	if len(series) == 0 || span <= 0 {
		return nil
	}
	alpha := 2.0 / float64(span+1)
	out := make([]float64, len(series))
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}

// Last returns the final element of series, or NaN when it is empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
