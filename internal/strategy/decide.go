package strategy

import "math"

// Verdict is the discrete trading decision.
type Verdict string

const (
	Buy  Verdict = "BUY"
	Sell Verdict = "SELL"
	Hold Verdict = "HOLD"
)

// Thresholds shared by the trend filter and the reversal overrides.
const (
	Overbought = 70.0
	Oversold   = 30.0
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case Buy, Sell, Hold:
		return true
	default:
		return false
	}
}

// Actionable reports whether v asks for a position change.
func (v Verdict) Actionable() bool {
	return v == Buy || v == Sell
}

// Decide turns the latest indicator values into a verdict.
//
// A MACD histogram crossing zero with a strict sign change is the trigger; the
// trigger alone never trades. A buy needs one of: price above SMA with RSI
// below 70, RSI below 30, price below the lower Bollinger band. Sells mirror
// this. NaN marks an unavailable input: a NaN SMA counts as a confirmed trend
// in both directions, a NaN band never fires and a NaN RSI fails every RSI
// comparison.
func Decide(currentHist, previousHist, rsi, price, sma, bbLower, bbUpper float64) Verdict {
	buyTrigger := previousHist < 0 && currentHist > 0
	sellTrigger := previousHist > 0 && currentHist < 0

	trendUp, trendDown := true, true
	if !math.IsNaN(sma) {
		trendUp = price > sma
		trendDown = price < sma
	}

	// NaN comparisons are false, so missing bands stay silent
	belowBand := price < bbLower
	aboveBand := price > bbUpper

	if buyTrigger {
		if trendUp && rsi < Overbought {
			return Buy
		}
		if rsi < Oversold || belowBand {
			return Buy
		}
	}

	if sellTrigger {
		if trendDown && rsi > Oversold {
			return Sell
		}
		if rsi > Overbought || aboveBand {
			return Sell
		}
	}

	return Hold
}
