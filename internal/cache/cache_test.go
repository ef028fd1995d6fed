package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"charon/internal/storage"
)

type countingStore struct {
	storage.PriceStore
	reads  int
	series map[string][]storage.PricePoint
	// afterRead runs once the rows are loaded, before they are returned
	afterRead func()
}

func (s *countingStore) ReadSeries(_ context.Context, code string, _, _ *time.Time) ([]storage.PricePoint, error) {
	s.reads++
	points := s.series[code]
	if s.afterRead != nil {
		s.afterRead()
	}
	return points, nil
}

func points(prices ...string) []storage.PricePoint {
	out := make([]storage.PricePoint, len(prices))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range prices {
		out[i] = storage.PricePoint{Code: "USD", Date: base.AddDate(0, 0, i), Price: decimal.RequireFromString(p)}
	}
	return out
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "USD", points("4.0", "4.1"))
	got, ok, _ := m.Get(ctx, "USD")
	if !ok || len(got) != 2 {
		t.Fatalf("应命中缓存: ok=%v len=%d", ok, len(got))
	}

	got[0].Code = "mutated"
	again, _, _ := m.Get(ctx, "USD")
	if again[0].Code != "USD" {
		t.Fatal("返回值应为副本")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "USD"); ok {
		t.Fatal("过期条目不应命中")
	}
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	_ = m.Set(ctx, "USD", points("4.0"))
	_ = m.Set(ctx, "EUR", points("4.3"))
	_ = m.Set(ctx, "GOLD", points("250"))

	_ = m.Invalidate(ctx, "USD")
	if _, ok, _ := m.Get(ctx, "USD"); ok {
		t.Fatal("USD 应被清除")
	}
	if _, ok, _ := m.Get(ctx, "EUR"); !ok {
		t.Fatal("EUR 不应被清除")
	}

	_ = m.Invalidate(ctx)
	if _, ok, _ := m.Get(ctx, "GOLD"); ok {
		t.Fatal("无参数应清空全部")
	}
}

func TestReaderCachesFullSeries(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{series: map[string][]storage.PricePoint{"USD": points("4.0", "4.05", "4.1")}}
	reader := NewReader(store, NewMemory(time.Hour))

	for i := 0; i < 3; i++ {
		got, err := reader.ReadSeries(ctx, "USD")
		if err != nil || len(got) != 3 {
			t.Fatalf("read: %d err=%v", len(got), err)
		}
	}
	if store.reads != 1 {
		t.Fatalf("应只读库一次, 实际 %d", store.reads)
	}

	_ = reader.Invalidate(ctx, "USD")
	if _, err := reader.ReadSeries(ctx, "USD"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if store.reads != 2 {
		t.Fatalf("失效后应重新读库, 实际 %d", store.reads)
	}

	// empty series are not cached
	_, _ = reader.ReadSeries(ctx, "CHF")
	_, _ = reader.ReadSeries(ctx, "CHF")
	if store.reads != 4 {
		t.Fatalf("空序列不应缓存, 读库 %d 次", store.reads)
	}
}

func TestReaderWithoutCache(t *testing.T) {
	store := &countingStore{series: map[string][]storage.PricePoint{"USD": points("4.0")}}
	reader := NewReader(store, nil)
	_, _ = reader.ReadSeries(context.Background(), "USD")
	_, _ = reader.ReadSeries(context.Background(), "USD")
	if store.reads != 2 {
		t.Fatalf("nil 缓存应直读, 实际 %d", store.reads)
	}
}

func TestReaderDropsReadOverlappingInvalidate(t *testing.T) {
	ctx := context.Background()
	for _, scope := range [][]string{{"USD"}, nil} {
		mem := NewMemory(time.Hour)
		store := &countingStore{series: map[string][]storage.PricePoint{"USD": points("4.0", "4.05")}}
		reader := NewReader(store, mem)

		store.afterRead = func() {
			store.afterRead = nil
			store.series["USD"] = points("4.0", "4.05", "4.1")
			_ = reader.Invalidate(ctx, scope...)
		}

		got, err := reader.ReadSeries(ctx, "USD")
		if err != nil || len(got) != 2 {
			t.Fatalf("scope=%v 应返回读取时的数据: %d err=%v", scope, len(got), err)
		}
		if _, ok, _ := mem.Get(ctx, "USD"); ok {
			t.Fatalf("scope=%v 失效期间的读取不应写入缓存", scope)
		}

		got, _ = reader.ReadSeries(ctx, "USD")
		if len(got) != 3 {
			t.Fatalf("scope=%v 应读到新数据, 实际 %d", scope, len(got))
		}
		if cached, ok, _ := mem.Get(ctx, "USD"); !ok || len(cached) != 3 {
			t.Fatalf("scope=%v 新数据应被缓存: ok=%v len=%d", scope, ok, len(cached))
		}
	}
}

func TestReaderInvalidateOtherCodeKeepsSet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(time.Hour)
	store := &countingStore{series: map[string][]storage.PricePoint{"USD": points("4.0")}}
	reader := NewReader(store, mem)
	store.afterRead = func() {
		store.afterRead = nil
		_ = reader.Invalidate(ctx, "EUR")
	}

	if _, err := reader.ReadSeries(ctx, "USD"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok, _ := mem.Get(ctx, "USD"); !ok {
		t.Fatal("其他资产失效不应影响缓存")
	}
}
