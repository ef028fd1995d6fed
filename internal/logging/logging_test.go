package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(Config{Level: "debug"}, &buf), "miner")
	logger.Debug().Int("rows", 3).Msg("chunk stored")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("应输出 JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "miner" || entry["message"] != "chunk stored" {
		t.Fatalf("字段缺失: %v", entry)
	}
	if entry["rows"].(float64) != 3 {
		t.Fatalf("rows 字段错误: %v", entry["rows"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info 应被过滤: %s", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("warn 应输出")
	}
}

func TestLoggerConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console"}, &buf)
	logger.Info().Str("asset", "USD").Msg("recomputed")
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "recomputed") || !strings.Contains(out, "asset=USD") {
		t.Fatalf("console 输出格式错误: %q", out)
	}
}
