package indicator

import "math"

// SMA returns the simple rolling mean. Output i is NaN for i < window-1.
func SMA(series []float64, window int) []float64 {
	out := nanSlice(len(series))
	if window <= 0 || len(series) < window {
		return out
	}

	var sum float64
	for i, v := range series {
		sum += v
		if i >= window {
			sum -= series[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// Bands is a Bollinger envelope; every slice has the input length.
type Bands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger computes SMA +/- numStd * population standard deviation over window.
func Bollinger(series []float64, window int, numStd float64) Bands {
	mid := SMA(series, window)
	upper := nanSlice(len(series))
	lower := nanSlice(len(series))

	for i := range series {
		if math.IsNaN(mid[i]) {
			continue
		}
		// the mean is recomputed per window so the sum of squares stays exact
		var sq float64
		for _, v := range series[i-window+1 : i+1] {
			d := v - mid[i]
			sq += d * d
		}
		std := math.Sqrt(sq / float64(window))
		upper[i] = mid[i] + numStd*std
		lower[i] = mid[i] - numStd*std
	}

	return Bands{Upper: upper, Middle: mid, Lower: lower}
}
