package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"charon/internal/config"
	"charon/internal/service"
	"charon/internal/storage"
)

const tableA = `[
	{"table":"A","no":"001/A/NBP/2024","effectiveDate":"2024-01-01","rates":[{"currency":"dolar amerykański","code":"USD","mid":4.0}]},
	{"table":"A","no":"002/A/NBP/2024","effectiveDate":"2024-01-02","rates":[{"currency":"dolar amerykański","code":"USD","mid":4.05}]},
	{"table":"A","no":"003/A/NBP/2024","effectiveDate":"2024-01-03","rates":[{"currency":"dolar amerykański","code":"USD","mid":4.1}]}
]`

func newTestApp(t *testing.T, baseURL string) *App {
	t.Helper()
	dir := t.TempDir()
	body := strings.Join([]string{
		"database:",
		"  driver: sqlite",
		"  dsn: " + filepath.Join(dir, "app.db"),
		"source:",
		"  base_url: " + baseURL,
		"  request_delay: 0s",
		"  max_attempts: 1",
		"  classes: [currency]",
		"events:",
		"  transport: none",
		"cache:",
		"  backend: none",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	a := NewApp(cfg, zerolog.Nop())
	t.Cleanup(a.Close)
	return a
}

func nbpServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/exchangerates/tables/A/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(tableA))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func day(s string) *time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return &t
}

func TestImportIsIdempotentEndToEnd(t *testing.T) {
	var calls atomic.Int32
	a := newTestApp(t, nbpServer(t, &calls).URL)
	ctx := context.Background()
	opts := ImportOptions{From: day("2024-01-01"), To: day("2024-01-03")}

	for i := 0; i < 2; i++ {
		if err := a.Import(ctx, opts); err != nil {
			t.Fatalf("第 %d 次导入失败: %v", i+1, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("每次导入应请求一次, 实际 %d", calls.Load())
	}

	repo, err := a.openRepository(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()

	count, err := repo.CountPoints(ctx, "USD")
	if err != nil || count != 3 {
		t.Fatalf("期望 3 条价格, 实际 %d err=%v", count, err)
	}
	runs, err := repo.ListJobRuns(ctx, 10)
	if err != nil || len(runs) != 2 {
		t.Fatalf("期望 2 条任务记录: %d err=%v", len(runs), err)
	}
	// newest first
	if runs[0].RowsWritten != 0 || runs[1].RowsWritten != 3 {
		t.Fatalf("重复导入应写入 0 行: %+v", runs)
	}
	for _, run := range runs {
		if run.Status != storage.JobSuccess || run.FinishedAt == nil {
			t.Fatalf("任务应成功结束: %+v", run)
		}
	}
}

func TestImportRejectsInvertedRange(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	err := a.Import(context.Background(), ImportOptions{From: day("2024-02-01"), To: day("2024-01-01")})
	if err == nil {
		t.Fatal("from 晚于 to 应报错")
	}
}

func TestExportCSV(t *testing.T) {
	var calls atomic.Int32
	a := newTestApp(t, nbpServer(t, &calls).URL)
	ctx := context.Background()
	if err := a.Import(ctx, ImportOptions{From: day("2024-01-01"), To: day("2024-01-03")}); err != nil {
		t.Fatalf("import: %v", err)
	}

	out := filepath.Join(t.TempDir(), "nested", "usd.csv")
	if err := a.Export(ctx, ExportOptions{Asset: "usd", CSVPath: out}); err != nil {
		t.Fatalf("export: %v", err)
	}
	file, err := os.Open(out)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	want := [][]string{
		{"date", "code", "price", "source"},
		{"2024-01-01", "USD", "4", "NBP"},
		{"2024-01-02", "USD", "4.05", "NBP"},
		{"2024-01-03", "USD", "4.1", "NBP"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("CSV 内容错误: %v", records)
	}

	if err := a.Export(ctx, ExportOptions{Asset: "CHF", CSVPath: out}); !errors.Is(err, service.ErrUnknownAsset) {
		t.Fatalf("未知资产应返回 ErrUnknownAsset, 实际 %v", err)
	}
	if err := a.Export(ctx, ExportOptions{Asset: "USD"}); err == nil {
		t.Fatal("未指定输出应报错")
	}
}

func TestDownsampleIndices(t *testing.T) {
	if got := downsampleIndices(3, 10); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("不需要降采样: %v", got)
	}
	got := downsampleIndices(101, 5)
	if !reflect.DeepEqual(got, []int{0, 25, 50, 75, 100}) {
		t.Fatalf("降采样结果错误: %v", got)
	}
	if got := downsampleIndices(10, 1); !reflect.DeepEqual(got, []int{9}) {
		t.Fatalf("单点应保留最后一个: %v", got)
	}
}

func TestWriteSignals(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSignals(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "no signals") {
		t.Fatalf("空列表提示缺失: %q", buf.String())
	}

	buf.Reset()
	signal := storage.Signal{
		AssetCode:   "USD",
		GeneratedAt: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
		AsOf:        *day("2024-01-03"),
		Verdict:     "BUY",
		Price:       4.1,
		RSI:         math.NaN(),
	}
	if err := writeSignals(&buf, []storage.Signal{signal}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "BUY") || !strings.Contains(out, "n/a") || !strings.Contains(out, "2024-01-03") {
		t.Fatalf("信号表格内容错误: %q", out)
	}
}

func TestRecomputeOptionsRunAtStartup(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	opts := a.recomputeOptions()
	if !opts.RunImmediately {
		t.Fatal("启动时应立即重算一次")
	}
	if opts.Interval != a.Config.Scheduler.RecomputeInterval || opts.StartupDelay != a.Config.Scheduler.StartupDelay {
		t.Fatalf("调度参数应来自配置: %+v", opts)
	}
}
