package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"charon/internal/indicator"
	"charon/internal/service"
	"charon/internal/storage"
)

// Export renders a stored series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}
	if opts.From != nil && opts.To != nil && opts.From.After(*opts.To) {
		return errors.New("from must not be after to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	code := strings.ToUpper(opts.Asset)

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	points, err := repo.ReadSeries(ctx, code, opts.From, opts.To)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("%s: %w", code, service.ErrUnknownAsset)
	}

	idx := downsampleIndices(len(points), opts.MaxPoints)
	a.Logger.Info().Str("asset", code).Int("total", len(points)).Int("exported", len(idx)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, points, idx); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		params := a.Config.Signals.Indicators
		if err := writeSeriesPNG(opts.PNGPath, code, points, idx, params.SMAWindow, params.BBWindow, params.BBStdDevs); err != nil {
			return err
		}
	}

	return nil
}

// downsampleIndices picks at most max evenly spaced indices, always keeping both ends.
func downsampleIndices(n, max int) []int {
	if max <= 0 || n <= max {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if max == 1 {
		return []int{n - 1}
	}

	result := make([]int, 0, max)
	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		j := int(math.Round(step * float64(i)))
		if j >= n {
			j = n - 1
		}
		result = append(result, j)
	}
	return result
}

func writeSeriesCSV(path string, points []storage.PricePoint, idx []int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"date", "code", "price", "source"}); err != nil {
		return err
	}
	for _, i := range idx {
		p := points[i]
		if err := writer.Write([]string{p.Date.Format(time.DateOnly), p.Code, p.Price.String(), p.Source}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSeriesPNG(path, code string, points []storage.PricePoint, idx []int, smaWindow, bbWindow int, bbStd float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	prices := storage.Prices(points)
	sma := indicator.SMA(prices, smaWindow)
	bands := indicator.Bollinger(prices, bbWindow, bbStd)

	x := make([]time.Time, 0, len(idx))
	y := make([]float64, 0, len(idx))
	for _, i := range idx {
		x = append(x, points[i].Date)
		y = append(y, prices[i])
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  code,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (PLN)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: code, XValues: x, YValues: y},
		},
	}
	for _, overlay := range []struct {
		name   string
		values []float64
	}{
		{fmt.Sprintf("SMA %d", smaWindow), sma},
		{"BB upper", bands.Upper},
		{"BB lower", bands.Lower},
	} {
		if s, ok := sparseSeries(overlay.name, points, overlay.values, idx); ok {
			graph.Series = append(graph.Series, s)
		}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// sparseSeries drops NaN warm-up values; go-chart needs at least two points per series.
func sparseSeries(name string, points []storage.PricePoint, values []float64, idx []int) (chart.TimeSeries, bool) {
	s := chart.TimeSeries{Name: name, Style: chart.Style{StrokeDashArray: []float64{5, 3}}}
	for _, i := range idx {
		if math.IsNaN(values[i]) {
			continue
		}
		s.XValues = append(s.XValues, points[i].Date)
		s.YValues = append(s.YValues, values[i])
	}
	return s, len(s.XValues) >= 2
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
