package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func date(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func newTestClient(url string, attempts int) *NBP {
	n := NewNBP(NBPOptions{
		BaseURL:        url,
		Timeout:        time.Second,
		UserAgent:      "test",
		MaxAttempts:    attempts,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, noopLogger())
	n.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return n
}

func TestFetchTableA(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"table":"A","no":"001/A/NBP/2024","effectiveDate":"2024-01-02","rates":[
				{"currency":"dolar amerykański","code":"USD","mid":3.9432},
				{"currency":"euro","code":"EUR","mid":4.3434}
			]},
			{"table":"A","no":"002/A/NBP/2024","effectiveDate":"2024-01-03","rates":[
				{"currency":"dolar amerykański","code":"USD","mid":3.9909}
			]}
		]`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv.URL, 1).FetchSeries(context.Background(), ClassCurrency, date("2024-01-01"), date("2024-01-03"))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if gotPath != "/exchangerates/tables/A/2024-01-01/2024-01-03/" || gotQuery != "format=json" {
		t.Fatalf("请求路径错误: %s?%s", gotPath, gotQuery)
	}
	if len(quotes) != 3 {
		t.Fatalf("期望 3 条报价, 实际 %d", len(quotes))
	}
	if quotes[0].Code != "USD" || quotes[0].Name != "dolar amerykański" || !quotes[0].Date.Equal(date("2024-01-02")) {
		t.Fatalf("报价字段错误: %+v", quotes[0])
	}
	if !quotes[2].Price.Equal(decimal.RequireFromString("3.9909")) {
		t.Fatalf("价格应保持十进制精度: %s", quotes[2].Price)
	}
}

func TestFetchGold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/cenyzlota/") {
			t.Errorf("黄金路径错误: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"data":"2024-01-02","cena":258.65},{"data":"2024-01-03","cena":259.11}]`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv.URL, 1).FetchSeries(context.Background(), ClassGold, date("2024-01-02"), date("2024-01-03"))
	if err != nil {
		t.Fatalf("gold: %v", err)
	}
	if len(quotes) != 2 || quotes[1].Code != goldCode || !quotes[1].Price.Equal(decimal.RequireFromString("259.11")) {
		t.Fatalf("黄金报价错误: %+v", quotes)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "404 NotFound - Not Found - Brak danych", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).FetchSeries(context.Background(), ClassCurrency, date("2024-01-06"), date("2024-01-07"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestFetchBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "400 BadRequest - Przekroczony limit 93 dni", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).FetchSeries(context.Background(), ClassCurrency, date("2024-01-01"), date("2024-06-01"))
	if err == nil || IsTransient(err) {
		t.Fatalf("400 应为永久错误, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), "93") {
		t.Fatalf("错误信息应包含响应内容: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("永久错误不应重试, 调用 %d 次", calls.Load())
	}
}

func TestFetchRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"data":"2024-01-02","cena":258.65}]`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv.URL, 3).FetchSeries(context.Background(), ClassGold, date("2024-01-02"), date("2024-01-02"))
	if err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if len(quotes) != 1 || calls.Load() != 3 {
		t.Fatalf("期望 3 次调用 1 条报价, 实际 %d 次 %d 条", calls.Load(), len(quotes))
	}
}

func TestFetchTransientExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).FetchSeries(context.Background(), ClassGold, date("2024-01-02"), date("2024-01-02"))
	var te *TransientError
	if !errors.As(err, &te) || te.Status != http.StatusBadGateway {
		t.Fatalf("重试耗尽应返回 TransientError, 实际 %v", err)
	}
}

func TestFetchInvalidRange(t *testing.T) {
	n := newTestClient("http://127.0.0.1:1", 1)
	if _, err := n.FetchSeries(context.Background(), ClassGold, date("2024-01-05"), date("2024-01-01")); err == nil {
		t.Fatal("结束日期早于开始日期应报错")
	}
	if _, err := n.FetchSeries(context.Background(), Class("silver"), date("2024-01-01"), date("2024-01-01")); err == nil {
		t.Fatal("未知资产类别应报错")
	}
}

func TestBackoffCapped(t *testing.T) {
	n := NewNBP(NBPOptions{BackoffInitial: time.Second, BackoffMax: 3 * time.Second}, noopLogger())
	if got := n.backoff(1); got != time.Second {
		t.Fatalf("第一次退避 1s, 实际 %s", got)
	}
	if got := n.backoff(2); got != 2*time.Second {
		t.Fatalf("第二次退避 2s, 实际 %s", got)
	}
	if got := n.backoff(5); got != 3*time.Second {
		t.Fatalf("退避应封顶 3s, 实际 %s", got)
	}
}

func TestClassEpoch(t *testing.T) {
	if !ClassCurrency.Epoch().Equal(date("2002-01-02")) || !ClassGold.Epoch().Equal(date("2013-01-02")) {
		t.Fatal("资产类别起始日期错误")
	}
}
