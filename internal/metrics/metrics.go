// Package metrics exposes pipeline counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Recorder owns a private registry so tests and embedded uses stay isolated.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	importRuns      *prometheus.CounterVec
	importRows      *prometheus.CounterVec
	chunkFailures   *prometheus.CounterVec
	lastImport      *prometheus.GaugeVec
	signals         *prometheus.CounterVec
	recomputeErrors *prometheus.CounterVec
	recomputeTime   prometheus.Histogram
	lastPrice       *prometheus.GaugeVec
}

// New creates a recorder with go and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		importRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charon_import_runs_total",
			Help: "Import job runs by class and final status",
		}, []string{"class", "status"}),
		importRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charon_import_rows_total",
			Help: "Price points newly written by the importer",
		}, []string{"class"}),
		chunkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charon_import_chunk_failures_total",
			Help: "Source chunks that failed after retries",
		}, []string{"class"}),
		lastImport: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "charon_import_last_success_timestamp_seconds",
			Help: "Unix time of the last successful import per class",
		}, []string{"class"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charon_signals_total",
			Help: "Signals persisted by asset and verdict",
		}, []string{"asset", "verdict"}),
		recomputeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charon_recompute_errors_total",
			Help: "Failed signal recomputes by reason",
		}, []string{"reason"}),
		recomputeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "charon_recompute_duration_seconds",
			Help:    "Latency of a single asset recompute",
			Buckets: prometheus.DefBuckets,
		}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "charon_last_price",
			Help: "Price at the most recent signal",
		}, []string{"asset"}),
	}
}

// ImportFinished records one finalised job run.
func (r *Recorder) ImportFinished(class, status string, rows int64, at time.Time) {
	if r == nil {
		return
	}
	r.importRuns.WithLabelValues(class, status).Inc()
	if rows > 0 {
		r.importRows.WithLabelValues(class).Add(float64(rows))
	}
	if status == "success" {
		r.lastImport.WithLabelValues(class).Set(float64(at.Unix()))
	}
}

// ChunkFailed counts a failed source chunk.
func (r *Recorder) ChunkFailed(class string) {
	if r == nil {
		return
	}
	r.chunkFailures.WithLabelValues(class).Inc()
}

// SignalRecorded counts a persisted signal.
func (r *Recorder) SignalRecorded(asset, verdict string, price float64, took time.Duration) {
	if r == nil {
		return
	}
	r.signals.WithLabelValues(asset, verdict).Inc()
	r.lastPrice.WithLabelValues(asset).Set(price)
	r.recomputeTime.Observe(took.Seconds())
}

// RecomputeFailed counts a recompute that produced no signal.
func (r *Recorder) RecomputeFailed(reason string) {
	if r == nil {
		return
	}
	r.recomputeErrors.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes path on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr, path string, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("path", path).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
