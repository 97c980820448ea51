// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CyclesTotal      prometheus.Counter
	PostsDelivered   prometheus.Counter
	PostsIgnored     prometheus.Counter
	DeliveryFailures prometheus.Counter
	CountDrift       prometheus.Counter
	BaselineRuns     prometheus.Counter
	AccountErrors    *prometheus.CounterVec // label: kind
	SourceRequests   *prometheus.CounterVec // labels: endpoint, outcome

	// Histograms (seconds)
	CycleDuration         prometheus.Observer
	SourceRequestDuration *prometheus.HistogramVec // label: endpoint

	// Gauges
	ActiveAccounts prometheus.Gauge
	LastCycleTime  prometheus.Gauge // unix seconds of the last finished cycle
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_cycles_total", Help: "Number of poll cycles run"})
		PostsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_posts_delivered_total", Help: "Number of posts delivered to the chat"})
		PostsIgnored = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_posts_ignored_total", Help: "Number of fetched entries folded into watermarks without delivery"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_delivery_failures_total", Help: "Number of failed delivery attempts"})
		CountDrift = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_count_drift_total", Help: "Number of times a live count fell below the stored watermark"})
		BaselineRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_baseline_runs_total", Help: "Number of baseline initializations"})
		AccountErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_account_errors_total", Help: "Per-account failures by kind"}, []string{"kind"})
		SourceRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_source_requests_total", Help: "Content API requests by endpoint and outcome"}, []string{"endpoint", "outcome"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		SourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_source_request_duration_seconds", Help: "Content API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"endpoint"})
		ActiveAccounts = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_accounts", Help: "Number of active watched accounts"})
		LastCycleTime = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_last_cycle_timestamp_seconds", Help: "Unix time the last poll cycle finished"})
	})
}

// RecordCycle records the outcome of one poll cycle.
func RecordCycle(d time.Duration, delivered, ignored int) {
	if CyclesTotal == nil {
		return
	}
	CyclesTotal.Inc()
	CycleDuration.Observe(d.Seconds())
	PostsDelivered.Add(float64(delivered))
	PostsIgnored.Add(float64(ignored))
	LastCycleTime.SetToCurrentTime()
}

// RecordAccountError counts a per-account failure of the given kind.
func RecordAccountError(kind string) {
	if AccountErrors != nil {
		AccountErrors.WithLabelValues(kind).Inc()
	}
}

// RecordDeliveryFailure counts a failed notifier call.
func RecordDeliveryFailure() {
	if DeliveryFailures != nil {
		DeliveryFailures.Inc()
	}
}

// RecordCountDrift counts a negative raw delta.
func RecordCountDrift() {
	if CountDrift != nil {
		CountDrift.Inc()
	}
}

// RecordBaseline counts a baseline run.
func RecordBaseline() {
	if BaselineRuns != nil {
		BaselineRuns.Inc()
	}
}

// SetActiveAccounts records the number of accounts loaded for a cycle.
func SetActiveAccounts(n int) {
	if ActiveAccounts != nil {
		ActiveAccounts.Set(float64(n))
	}
}

// RecordSourceRequest records one content API call.
func RecordSourceRequest(endpoint, outcome string, d time.Duration) {
	if SourceRequests == nil {
		return
	}
	SourceRequests.WithLabelValues(endpoint, outcome).Inc()
	SourceRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
