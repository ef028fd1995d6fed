package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"charon/internal/backtest"
	"charon/internal/service"
)

// Backtest replays the signal logic over one stored series.
func (a *App) Backtest(ctx context.Context, opts BacktestOptions) error {
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}
	capital := opts.InitialCapital
	if capital <= 0 {
		capital = a.Config.Backtest.InitialCapital
	}
	code := strings.ToUpper(opts.Asset)

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	points, err := repo.ReadSeries(ctx, code, nil, nil)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("%s: %w", code, service.ErrUnknownAsset)
	}

	started := time.Now()
	res, err := backtest.Run(points, capital, a.Config.Signals.Indicators)
	if err != nil {
		return fmt.Errorf("backtest %s: %w", code, err)
	}
	a.Logger.Info().
		Str("asset", code).
		Int("points", len(points)).
		Int("trades", res.TotalTrades).
		Dur("took", time.Since(started)).
		Msg("backtest finished")

	writeBacktestSummary(os.Stdout, code, res)

	if opts.TradesCSV != "" {
		if err := writeTradesCSV(opts.TradesCSV, res); err != nil {
			return err
		}
	}
	if opts.EquityCSV != "" {
		if err := writeEquityCSV(opts.EquityCSV, res); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeEquityPNG(opts.PNGPath, code, res); err != nil {
			return err
		}
	}
	return nil
}

func writeBacktestSummary(out io.Writer, code string, res backtest.Result) {
	fmt.Fprintf(out, "asset:          %s\n", code)
	fmt.Fprintf(out, "initial:        %.2f\n", res.InitialCapital)
	fmt.Fprintf(out, "final:          %.2f\n", res.FinalValue)
	fmt.Fprintf(out, "return:         %.2f%%\n", res.TotalReturnPct)
	fmt.Fprintf(out, "max drawdown:   %.2f%%\n", res.MaxDrawdownPct)
	fmt.Fprintf(out, "trades:         %d\n", res.TotalTrades)
}

func writeTradesCSV(path string, res backtest.Result) error {
	rows := make([][]string, 0, len(res.Trades))
	for _, t := range res.Trades {
		rows = append(rows, []string{
			t.Date.Format(time.DateOnly),
			string(t.Side),
			strconv.FormatFloat(t.Price, 'f', 6, 64),
			strconv.FormatFloat(t.Units, 'f', 6, 64),
			strconv.FormatFloat(t.Value, 'f', 2, 64),
		})
	}
	return writeCSV(path, []string{"date", "side", "price", "units", "value"}, rows)
}

func writeEquityCSV(path string, res backtest.Result) error {
	rows := make([][]string, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		rows = append(rows, []string{
			p.Date.Format(time.DateOnly),
			strconv.FormatFloat(p.Equity, 'f', 2, 64),
			strconv.FormatFloat(p.DrawdownPct, 'f', 4, 64),
		})
	}
	return writeCSV(path, []string{"date", "equity", "drawdown_pct"}, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func writeEquityPNG(path, code string, res backtest.Result) error {
	if len(res.EquityCurve) < 2 {
		return errors.New("equity curve too short to plot")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(res.EquityCurve))
	equity := make([]float64, len(res.EquityCurve))
	drawdown := make([]float64, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		x[i] = p.Date
		equity[i] = p.Equity
		drawdown[i] = -p.DrawdownPct
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s backtest", code),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Equity",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Drawdown (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Equity", XValues: x, YValues: equity},
			chart.TimeSeries{Name: "Drawdown %", XValues: x, YValues: drawdown, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}
