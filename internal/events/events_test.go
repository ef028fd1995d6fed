package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待条件超时")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryDeliversToSubscribers(t *testing.T) {
	bus := NewMemory(4, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []Event
	)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- bus.Subscribe(ctx, "rates.ingested", func(_ context.Context, e Event) error {
				mu.Lock()
				received = append(received, e)
				mu.Unlock()
				return nil
			})
		}()
	}
	waitFor(t, func() bool { return bus.Subscribers("rates.ingested") == 2 })

	event := Event{Type: TypeIncremental, Asset: "currency", Rows: 3, RunID: "r-1"}
	if err := bus.Publish(ctx, "rates.ingested", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "other", event); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
	mu.Lock()
	if received[0].RunID != "r-1" || received[1].Rows != 3 {
		t.Fatalf("事件内容错误: %+v", received)
	}
	mu.Unlock()

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("取消后 Subscribe 应返回 nil: %v", err)
		}
	}
	waitFor(t, func() bool { return bus.Subscribers("rates.ingested") == 0 })
}

func TestMemoryHandlerErrorKeepsSubscription(t *testing.T) {
	bus := NewMemory(4, zerolog.Nop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 4)
	go func() {
		_ = bus.Subscribe(ctx, "t", func(context.Context, Event) error {
			calls <- struct{}{}
			return errors.New("boom")
		})
	}()
	waitFor(t, func() bool { return bus.Subscribers("t") == 1 })

	for i := 0; i < 2; i++ {
		_ = bus.Publish(ctx, "t", Event{Asset: AssetAll})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("处理器报错后订阅不应中断")
		}
	}
}

func TestMemoryCloseEndsSubscribe(t *testing.T) {
	bus := NewMemory(1, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(context.Background(), "t", func(context.Context, Event) error { return nil })
	}()
	waitFor(t, func() bool { return bus.Subscribers("t") == 1 })

	_ = bus.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("关闭后应返回 nil: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close 应结束订阅")
	}
	if err := bus.Publish(context.Background(), "t", Event{}); err != nil {
		t.Fatalf("关闭后发布应静默: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload, err := Encode(Event{Type: TypeBackfill, Asset: "gold", Rows: 12, From: from, To: from.AddDate(0, 0, 2)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != TypeBackfill || event.Asset != "gold" || !event.From.Equal(from) {
		t.Fatalf("字段丢失: %+v", event)
	}

	legacy, err := Decode([]byte(`{"type":"incremental","rows":5}`))
	if err != nil || legacy.Asset != AssetAll {
		t.Fatalf("缺省 asset 应为 ALL: %+v err=%v", legacy, err)
	}
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("非法 payload 应报错")
	}
}

func TestNopBus(t *testing.T) {
	var bus Bus = Nop{}
	if err := bus.Publish(context.Background(), "t", Event{}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := bus.Subscribe(context.Background(), "t", nil); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("nop subscribe 应返回 ErrNoTransport: %v", err)
	}
}

func TestRedisSubscribeUnreachable(t *testing.T) {
	bus := DialRedis(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1}, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Subscribe(ctx, "t", func(context.Context, Event) error { return nil }); err == nil {
		t.Fatal("无法连接时订阅应返回错误")
	}
	if err := bus.Publish(ctx, "t", Event{}); err == nil {
		t.Fatal("无法连接时发布应返回错误")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := NewKafka(nil, "", zerolog.Nop()); err == nil {
		t.Fatal("缺少 brokers 应报错")
	}
	k, err := NewKafka([]string{"localhost:9092"}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	if k.groupID != "charon-signals" {
		t.Fatalf("默认 group 错误: %q", k.groupID)
	}
	_ = k.Close()
}
