package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Class is a group of instruments served by one endpoint.
type Class string

const (
	ClassCurrency Class = "currency"
	ClassGold     Class = "gold"
)

// Epoch returns the first date the source publishes data for c.
func (c Class) Epoch() time.Time {
	switch c {
	case ClassGold:
		return time.Date(2013, 1, 2, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(2002, 1, 2, 0, 0, 0, 0, time.UTC)
	}
}

// Quote is one instrument value for one effective date.
type Quote struct {
	Code  string
	Name  string
	Date  time.Time
	Price decimal.Decimal
}

// ErrNotFound means the range holds no published data (weekends, holidays).
var ErrNotFound = errors.New("fetcher: no data for range")

// TransientError wraps failures worth retrying.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient source error (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SeriesFetcher retrieves daily quotes for a class over an inclusive date range.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, class Class, start, end time.Time) ([]Quote, error)
}
