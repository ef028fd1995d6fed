package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.nbp.pl/api"
	tableAPath     = "/exchangerates/tables/A/%s/%s/"
	goldPath       = "/cenyzlota/%s/%s/"
	goldCode       = "GOLD"
	goldName       = "złoto"
)

// NBPOptions parameterise the NBP client.
type NBPOptions struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// NBP fetches table A mid rates and gold prices from the NBP public API.
type NBP struct {
	opts    NBPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewNBP constructs the client.
func NewNBP(opts NBPOptions, logger zerolog.Logger) *NBP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &NBP{
		opts:    opts,
		logger:  logger.With().Str("component", "nbp_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		sleep:   sleepCtx,
	}
}

// FetchSeries retrieves quotes for class over [start, end].
// The caller is responsible for keeping the range within the API limit.
func (n *NBP) FetchSeries(ctx context.Context, class Class, start, end time.Time) ([]Quote, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("invalid range %s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	var pathFmt string
	switch class {
	case ClassCurrency:
		pathFmt = tableAPath
	case ClassGold:
		pathFmt = goldPath
	default:
		return nil, fmt.Errorf("unknown class %q", class)
	}
	endpoint := n.baseURL + fmt.Sprintf(pathFmt, start.Format(time.DateOnly), end.Format(time.DateOnly)) + "?format=json"

	var lastErr error
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		payload, err := n.get(ctx, endpoint)
		if err == nil {
			if class == ClassGold {
				return decodeGold(payload)
			}
			return decodeTableA(payload)
		}
		if !IsTransient(err) || attempt == n.opts.MaxAttempts {
			return nil, err
		}
		lastErr = err

		wait := n.backoff(attempt)
		n.logger.Warn().
			Err(err).
			Str("class", string(class)).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("nbp request failed, retrying")
		if err := n.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (n *NBP) backoff(attempt int) time.Duration {
	wait := n.opts.BackoffInitial << uint(attempt-1)
	if n.opts.BackoffMax > 0 && (wait > n.opts.BackoffMax || wait <= 0) {
		wait = n.opts.BackoffMax
	}
	return wait
}

func (n *NBP) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(n.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "charon/1.0")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return payload, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &TransientError{Status: resp.StatusCode, Err: parseHTTPError(resp.StatusCode, payload)}
	default:
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
}

type tableResponse struct {
	Table         string `json:"table"`
	No            string `json:"no"`
	EffectiveDate string `json:"effectiveDate"`
	Rates         []struct {
		Currency string          `json:"currency"`
		Code     string          `json:"code"`
		Mid      decimal.Decimal `json:"mid"`
	} `json:"rates"`
}

type goldResponse struct {
	Date  string          `json:"data"`
	Price decimal.Decimal `json:"cena"`
}

func decodeTableA(payload []byte) ([]Quote, error) {
	var tables []tableResponse
	if err := json.Unmarshal(payload, &tables); err != nil {
		return nil, fmt.Errorf("decode table A: %w", err)
	}

	quotes := make([]Quote, 0, len(tables)*32)
	for _, table := range tables {
		date, err := time.Parse(time.DateOnly, table.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("parse effectiveDate %q: %w", table.EffectiveDate, err)
		}
		for _, rate := range table.Rates {
			if rate.Code == "" {
				continue
			}
			quotes = append(quotes, Quote{
				Code:  strings.ToUpper(rate.Code),
				Name:  rate.Currency,
				Date:  date,
				Price: rate.Mid,
			})
		}
	}
	return quotes, nil
}

func decodeGold(payload []byte) ([]Quote, error) {
	var rows []goldResponse
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode gold: %w", err)
	}

	quotes := make([]Quote, 0, len(rows))
	for _, row := range rows {
		date, err := time.Parse(time.DateOnly, row.Date)
		if err != nil {
			return nil, fmt.Errorf("parse gold date %q: %w", row.Date, err)
		}
		quotes = append(quotes, Quote{Code: goldCode, Name: goldName, Date: date, Price: row.Price})
	}
	return quotes, nil
}

func parseHTTPError(status int, payload []byte) error {
	// NBP answers errors with a short plain-text line, e.g. "400 BadRequest - Przekroczony limit 93 dni"
	text := strings.TrimSpace(string(payload))
	if text != "" {
		return fmt.Errorf("nbp api error (%d): %s", status, text)
	}
	return fmt.Errorf("nbp api error (%d)", status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ SeriesFetcher = (*NBP)(nil)
