// Package backtest replays the live decision path over a stored series.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"charon/internal/storage"
	"charon/internal/strategy"
)

// MinPoints is the shortest series a backtest accepts.
const MinPoints = 50

// ErrInsufficientData is returned for series shorter than MinPoints.
var ErrInsufficientData = strategy.ErrInsufficientData

// Trade is one executed all-in or all-out transition.
type Trade struct {
	Date  time.Time
	Side  strategy.Verdict
	Price float64
	Units float64
	Value float64
}

// EquityPoint is the marked-to-market portfolio value at the close of a day.
type EquityPoint struct {
	Date        time.Time
	Equity      float64
	DrawdownPct float64
}

// Result summarises a simulation.
type Result struct {
	InitialCapital float64
	FinalValue     float64
	TotalReturnPct float64
	TotalTrades    int
	Trades         []Trade
	EquityCurve    []EquityPoint
	MaxDrawdownPct float64
}

// Run simulates a single-asset position over points (ascending by date).
// Day i is decided from points[:i+1] only.
func Run(points []storage.PricePoint, initialCapital float64, params strategy.Params) (Result, error) {
	if len(points) < MinPoints {
		return Result{}, fmt.Errorf("%d points, need %d: %w", len(points), MinPoints, ErrInsufficientData)
	}
	if initialCapital <= 0 {
		return Result{}, errors.New("initial capital must be positive")
	}
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	prices := storage.Prices(points)
	res := Result{
		InitialCapital: initialCapital,
		EquityCurve:    make([]EquityPoint, 0, len(points)-MinPoints),
	}

	cash, units, peak := initialCapital, 0.0, initialCapital
	for i := MinPoints; i < len(prices); i++ {
		price := prices[i]
		verdict := strategy.Hold
		snap, err := strategy.Evaluate(prices[:i+1], params)
		switch {
		case err == nil:
			verdict = snap.Verdict
		case !errors.Is(err, strategy.ErrInsufficientData):
			return Result{}, fmt.Errorf("evaluate day %s: %w", points[i].Date.Format(time.DateOnly), err)
		}

		switch {
		case verdict == strategy.Buy && units == 0 && price > 0:
			units = cash / price
			cash = 0
			res.Trades = append(res.Trades, Trade{Date: points[i].Date, Side: strategy.Buy, Price: price, Units: units, Value: units * price})
		case verdict == strategy.Sell && units > 0:
			cash = units * price
			res.Trades = append(res.Trades, Trade{Date: points[i].Date, Side: strategy.Sell, Price: price, Units: units, Value: cash})
			units = 0
		}

		equity := cash + units*price
		peak = math.Max(peak, equity)
		drawdown := 0.0
		if peak > 0 {
			drawdown = (peak - equity) / peak * 100
		}
		res.MaxDrawdownPct = math.Max(res.MaxDrawdownPct, drawdown)
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Date: points[i].Date, Equity: equity, DrawdownPct: drawdown})
	}

	res.FinalValue = cash + units*prices[len(prices)-1]
	res.TotalReturnPct = (res.FinalValue - initialCapital) / initialCapital * 100
	res.TotalTrades = len(res.Trades)
	return res, nil
}
