package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次信号告警的上下文。
type Notification struct {
	Asset       string
	Verdict     string
	AsOf        time.Time
	GeneratedAt time.Time
	Price       float64
	MACD        float64
	SignalLine  float64
	Histogram   float64
	RSI         float64
	Note        string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().
		Str("asset", note.Asset).
		Str("verdict", note.Verdict).
		Time("as_of", note.AsOf).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Charon %s] %s\n", note.Verdict, note.Asset)
	fmt.Fprintf(&b, "As of: %s\n", note.AsOf.UTC().Format(time.DateOnly))
	fmt.Fprintf(&b, "Price: %.4f PLN\n", note.Price)
	fmt.Fprintf(&b, "MACD: %.5f / signal %.5f (hist %+.5f)\n", note.MACD, note.SignalLine, note.Histogram)
	if math.IsNaN(note.RSI) {
		b.WriteString("RSI: n/a\n")
	} else {
		fmt.Fprintf(&b, "RSI: %.1f\n", note.RSI)
	}
	if note.Note != "" {
		b.WriteString(note.Note)
	}
	return b.String()
}

// Throttled drops repeats of the same verdict for the same asset within cooldown.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]sent
}

type sent struct {
	verdict string
	at      time.Time
}

// NewThrottled wraps next; cooldown <= 0 disables throttling.
func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, now: time.Now, last: make(map[string]sent)}
}

// Notify forwards unless suppressed. A failed send does not start the cooldown.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	now := t.now()
	t.mu.Lock()
	prev, ok := t.last[note.Asset]
	if ok && t.cooldown > 0 && prev.verdict == note.Verdict && now.Sub(prev.at) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		return err
	}

	t.mu.Lock()
	t.last[note.Asset] = sent{verdict: note.Verdict, at: now}
	t.mu.Unlock()
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
)
