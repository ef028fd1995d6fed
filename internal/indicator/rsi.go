package indicator

// RSI computes the relative strength index as 100 - 100/(1+gain/loss), where
// gain and loss are the rolling means of positive and negative daily deltas
// over window slots. The first slot has no delta and counts as zero, so
// output i is NaN for i < window-1. A zero average loss yields 100.
func RSI(series []float64, window int) []float64 {
	out := nanSlice(len(series))
	if window <= 0 || len(series) < window {
		return out
	}

	gains := make([]float64, len(series))
	losses := make([]float64, len(series))
	for i := 1; i < len(series); i++ {
		delta := series[i] - series[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	for i := window - 1; i < len(series); i++ {
		// summed per window so a window without losses is exactly zero
		var gainSum, lossSum float64
		for j := i - window + 1; j <= i; j++ {
			gainSum += gains[j]
			lossSum += losses[j]
		}
		avgGain := gainSum / float64(window)
		avgLoss := lossSum / float64(window)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+avgGain/avgLoss)
	}
	return out
}
