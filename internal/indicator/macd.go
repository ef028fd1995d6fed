package indicator

import "fmt"

// MACDConfig holds the EMA spans used by MACD.
type MACDConfig struct {
	Fast   int
	Slow   int
	Signal int
}

// DefaultMACD is the classic 12/26/9 configuration.
var DefaultMACD = MACDConfig{Fast: 12, Slow: 26, Signal: 9}

// MACDResult carries the three aligned MACD series.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes line = EMA(fast) - EMA(slow), signal = EMA(line, signal span)
// and histogram = line - signal. Series shorter than cfg.Slow yield
// ErrInsufficientData.
func MACD(series []float64, cfg MACDConfig) (MACDResult, error) {
	if cfg.Fast <= 0 || cfg.Slow <= 0 || cfg.Signal <= 0 {
		return MACDResult{}, fmt.Errorf("indicator: invalid macd spans %d/%d/%d", cfg.Fast, cfg.Slow, cfg.Signal)
	}
	if len(series) < cfg.Slow {
		return MACDResult{}, ErrInsufficientData
	}

	fast := EMA(series, cfg.Fast)
	slow := EMA(series, cfg.Slow)

	// both EMAs emit one value per input, alignment keeps the common tail
	n := min(len(fast), len(slow))
	fast = fast[len(fast)-n:]
	slow = slow[len(slow)-n:]

	line := make([]float64, n)
	for i := range line {
		line[i] = fast[i] - slow[i]
	}

	signal := EMA(line, cfg.Signal)
	hist := make([]float64, n)
	for i := range hist {
		hist[i] = line[i] - signal[i]
	}

	return MACDResult{Line: line, Signal: signal, Histogram: hist}, nil
}
