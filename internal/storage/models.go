package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind groups instruments that are fetched together.
type InstrumentKind string

const (
	KindCurrency InstrumentKind = "currency"
	KindGold     InstrumentKind = "gold"
)

// GoldCode identifies the gold instrument.
const GoldCode = "GOLD"

// JobStatus is the lifecycle state of a JobRun.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobSkipped JobStatus = "skipped"
)

// Instrument is a currency or gold series registered on first sighting.
type Instrument struct {
	Code      string
	Name      string
	Kind      InstrumentKind
	Source    string
	Active    bool
	CreatedAt time.Time
}

// PricePoint is one immutable daily observation.
type PricePoint struct {
	Code      string
	Date      time.Time
	Price     decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// PointInput carries everything needed to register an instrument and insert a point.
type PointInput struct {
	Code   string
	Name   string
	Kind   InstrumentKind
	Date   time.Time
	Price  decimal.Decimal
	Source string
}

// Signal is an append-only verdict together with the indicators behind it.
// RSI is NaN when it was not available.
type Signal struct {
	ID          int64
	AssetCode   string
	GeneratedAt time.Time
	AsOf        time.Time
	Verdict     string
	MACD        float64
	SignalLine  float64
	Histogram   float64
	RSI         float64
	Price       float64
	HorizonDays int
}

// JobRun records one import attempt.
type JobRun struct {
	ID          int64
	Kind        string
	Status      JobStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	RowsWritten int64
	Error       *string
}

// Prices extracts float prices in series order for indicator computation.
func Prices(points []PricePoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Price.InexactFloat64()
	}
	return out
}

// Day normalises t to its UTC calendar date at midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
