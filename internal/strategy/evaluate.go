package strategy

import (
	"errors"
	"fmt"

	"charon/internal/indicator"
)

// ErrInsufficientData is returned when a price prefix cannot produce a decision.
var ErrInsufficientData = indicator.ErrInsufficientData

// Params configures every indicator window used for a decision.
type Params struct {
	MACDFast   int     `mapstructure:"macd_fast" validate:"gt=0"`
	MACDSlow   int     `mapstructure:"macd_slow" validate:"gt=0"`
	MACDSignal int     `mapstructure:"macd_signal" validate:"gt=0"`
	RSIWindow  int     `mapstructure:"rsi_window" validate:"gt=0"`
	SMAWindow  int     `mapstructure:"sma_window" validate:"gt=0"`
	BBWindow   int     `mapstructure:"bb_window" validate:"gt=0"`
	BBStdDevs  float64 `mapstructure:"bb_std" validate:"gt=0"`
}

// DefaultParams mirrors the production configuration.
func DefaultParams() Params {
	return Params{
		MACDFast:   indicator.DefaultMACD.Fast,
		MACDSlow:   indicator.DefaultMACD.Slow,
		MACDSignal: indicator.DefaultMACD.Signal,
		RSIWindow:  14,
		SMAWindow:  50,
		BBWindow:   20,
		BBStdDevs:  2.0,
	}
}

// Validate checks window sanity.
func (p Params) Validate() error {
	if p.MACDFast <= 0 || p.MACDSlow <= 0 || p.MACDSignal <= 0 {
		return errors.New("macd spans must be positive")
	}
	if p.MACDFast >= p.MACDSlow {
		return fmt.Errorf("macd fast span %d must be below slow span %d", p.MACDFast, p.MACDSlow)
	}
	if p.RSIWindow <= 0 || p.SMAWindow <= 0 || p.BBWindow <= 0 {
		return errors.New("indicator windows must be positive")
	}
	if p.BBStdDevs <= 0 {
		return errors.New("bollinger std multiplier must be positive")
	}
	return nil
}

func (p Params) macd() indicator.MACDConfig {
	return indicator.MACDConfig{Fast: p.MACDFast, Slow: p.MACDSlow, Signal: p.MACDSignal}
}

// Snapshot is the indicator state at the last point of a price prefix.
// Unavailable values are NaN.
type Snapshot struct {
	Price      float64
	MACD       float64
	SignalLine float64
	Histogram  float64
	PrevHist   float64
	RSI        float64
	SMA        float64
	BBLower    float64
	BBUpper    float64
	Verdict    Verdict
}

// Evaluate recomputes every indicator from scratch over prices (ascending)
// and decides on the last point. It is the only decision path; the live
// service and the backtester both call it.
func Evaluate(prices []float64, p Params) (Snapshot, error) {
	macd, err := indicator.MACD(prices, p.macd())
	if err != nil {
		return Snapshot{}, err
	}
	if len(macd.Histogram) < 2 {
		return Snapshot{}, ErrInsufficientData
	}

	rsi := indicator.RSI(prices, p.RSIWindow)
	sma := indicator.SMA(prices, p.SMAWindow)
	bands := indicator.Bollinger(prices, p.BBWindow, p.BBStdDevs)

	hist := macd.Histogram
	snap := Snapshot{
		Price:      indicator.Last(prices),
		MACD:       indicator.Last(macd.Line),
		SignalLine: indicator.Last(macd.Signal),
		Histogram:  hist[len(hist)-1],
		PrevHist:   hist[len(hist)-2],
		RSI:        indicator.Last(rsi),
		SMA:        indicator.Last(sma),
		BBLower:    indicator.Last(bands.Lower),
		BBUpper:    indicator.Last(bands.Upper),
	}
	snap.Verdict = Decide(snap.Histogram, snap.PrevHist, snap.RSI, snap.Price, snap.SMA, snap.BBLower, snap.BBUpper)
	return snap, nil
}
