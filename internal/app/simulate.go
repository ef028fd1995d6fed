package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"charon/internal/alerting"
	"charon/internal/strategy"
)

// SimulateAlert 直接构造一条信号告警并发送，用于验证告警通道。
func (a *App) SimulateAlert(ctx context.Context, asset string, verdict strategy.Verdict, price float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if !verdict.Actionable() {
		return errors.New("--verdict 必须是 BUY 或 SELL")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().UTC()
	return notifier.Notify(ctx, alerting.Notification{
		Asset:       strings.ToUpper(asset),
		Verdict:     string(verdict),
		AsOf:        now.Truncate(24 * time.Hour),
		GeneratedAt: now,
		Price:       price,
		RSI:         math.NaN(),
		Note:        "simulated",
	})
}
