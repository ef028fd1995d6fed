package indicator

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func risingSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)*0.5
	}
	return out
}

func TestEMALengthAndSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(300)
		series := make([]float64, n)
		for i := range series {
			series[i] = 1 + rng.Float64()*10
		}
		span := 1 + rng.Intn(40)

		out := EMA(series, span)
		if len(out) != n {
			t.Fatalf("EMA 长度应为 %d, 实际 %d", n, len(out))
		}
		if out[0] != series[0] {
			t.Fatalf("EMA 首值应等于首个输入, got %v want %v", out[0], series[0])
		}
	}
}

func TestEMAEmpty(t *testing.T) {
	if out := EMA(nil, 12); len(out) != 0 {
		t.Fatalf("empty input should give empty output, got %v", out)
	}
}

func TestEMAKnownValues(t *testing.T) {
	out := EMA([]float64{1, 2, 3}, 3)
	want := []float64{1, 1.5, 2.25}
	for i := range want {
		if !almostEqual(out[i], want[i]) {
			t.Fatalf("EMA[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestMACDInsufficientData(t *testing.T) {
	for n := 0; n < DefaultMACD.Slow; n++ {
		_, err := MACD(risingSeries(n), DefaultMACD)
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("len %d: expected ErrInsufficientData, got %v", n, err)
		}
	}
	if _, err := MACD(risingSeries(DefaultMACD.Slow), DefaultMACD); err != nil {
		t.Fatalf("exactly slow points should be enough: %v", err)
	}
}

func TestMACDAligned(t *testing.T) {
	res, err := MACD(risingSeries(80), DefaultMACD)
	if err != nil {
		t.Fatalf("MACD: %v", err)
	}
	if len(res.Line) != 80 || len(res.Signal) != 80 || len(res.Histogram) != 80 {
		t.Fatalf("unexpected lengths %d/%d/%d", len(res.Line), len(res.Signal), len(res.Histogram))
	}
	for i := range res.Histogram {
		if !almostEqual(res.Histogram[i], res.Line[i]-res.Signal[i]) {
			t.Fatalf("histogram[%d] is not line-signal", i)
		}
	}
}

func TestRisingSeriesEstablishesTrend(t *testing.T) {
	series := risingSeries(60)

	res, err := MACD(series, DefaultMACD)
	if err != nil {
		t.Fatalf("MACD: %v", err)
	}
	if res.Histogram[40] <= 0 {
		t.Fatalf("histogram at day 40 should be positive, got %v", res.Histogram[40])
	}

	rsi := RSI(series, 14)
	for i := 13; i < len(rsi); i++ {
		if !(rsi[i] > 50) {
			t.Fatalf("RSI[%d] = %v, expected above 50 on a rising series", i, rsi[i])
		}
	}
}

func TestRSIWarmupAndValues(t *testing.T) {
	series := []float64{1, 2, 1, 2, 1}
	rsi := RSI(series, 2)
	if !math.IsNaN(rsi[0]) {
		t.Fatalf("RSI[0] should be NaN during warm-up, got %v", rsi[0])
	}
	if rsi[1] != 100 {
		t.Fatalf("RSI[1] with zero loss should be 100, got %v", rsi[1])
	}
	for i := 2; i < len(series); i++ {
		if !almostEqual(rsi[i], 50) {
			t.Fatalf("RSI[%d] = %v, want 50", i, rsi[i])
		}
	}
}

func TestRSIShortSeries(t *testing.T) {
	for _, v := range RSI([]float64{1, 2, 3}, 14) {
		if !math.IsNaN(v) {
			t.Fatalf("short series must stay NaN, got %v", v)
		}
	}
}

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4}, 2)
	if !math.IsNaN(out[0]) {
		t.Fatalf("SMA[0] should be NaN, got %v", out[0])
	}
	want := []float64{1.5, 2.5, 3.5}
	for i, w := range want {
		if !almostEqual(out[i+1], w) {
			t.Fatalf("SMA[%d] = %v, want %v", i+1, out[i+1], w)
		}
	}
}

func TestBollingerUsesPopulationStd(t *testing.T) {
	series := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	bands := Bollinger(series, 8, 2)

	for i := 0; i < 7; i++ {
		if !math.IsNaN(bands.Upper[i]) || !math.IsNaN(bands.Lower[i]) {
			t.Fatalf("band %d should be NaN during warm-up", i)
		}
	}
	if !almostEqual(bands.Middle[7], 5) {
		t.Fatalf("middle = %v, want 5", bands.Middle[7])
	}
	if !almostEqual(bands.Upper[7], 9) || !almostEqual(bands.Lower[7], 1) {
		t.Fatalf("bands = %v/%v, want 9/1", bands.Upper[7], bands.Lower[7])
	}
}

func TestLast(t *testing.T) {
	if !math.IsNaN(Last(nil)) {
		t.Fatal("Last of empty series should be NaN")
	}
	if Last([]float64{1, 2}) != 2 {
		t.Fatal("Last should return the final element")
	}
}
