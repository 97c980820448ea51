package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent

	if CyclesTotal == nil || CycleDuration == nil || AccountErrors == nil || SourceRequests == nil || ActiveAccounts == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestRecordCycle(t *testing.T) {
	Init()
	cycles := testutil.ToFloat64(CyclesTotal)
	delivered := testutil.ToFloat64(PostsDelivered)
	ignored := testutil.ToFloat64(PostsIgnored)

	RecordCycle(1500*time.Millisecond, 3, 2)

	if got := testutil.ToFloat64(CyclesTotal) - cycles; got != 1 {
		t.Errorf("cycles delta = %v", got)
	}
	if got := testutil.ToFloat64(PostsDelivered) - delivered; got != 3 {
		t.Errorf("delivered delta = %v", got)
	}
	if got := testutil.ToFloat64(PostsIgnored) - ignored; got != 2 {
		t.Errorf("ignored delta = %v", got)
	}
	if testutil.ToFloat64(LastCycleTime) == 0 {
		t.Error("last cycle timestamp not set")
	}
}

func TestRecordAccountErrorByKind(t *testing.T) {
	Init()
	tests := []string{"source", "delivery", "persistence"}
	for _, kind := range tests {
		t.Run(kind, func(t *testing.T) {
			c := AccountErrors.WithLabelValues(kind)
			before := testutil.ToFloat64(c)
			RecordAccountError(kind)
			if got := testutil.ToFloat64(c) - before; got != 1 {
				t.Errorf("%s delta = %v", kind, got)
			}
		})
	}
}

func TestCountersAndGauges(t *testing.T) {
	Init()
	drift := testutil.ToFloat64(CountDrift)
	failures := testutil.ToFloat64(DeliveryFailures)
	baselines := testutil.ToFloat64(BaselineRuns)

	RecordCountDrift()
	RecordDeliveryFailure()
	RecordBaseline()
	SetActiveAccounts(7)

	if testutil.ToFloat64(CountDrift)-drift != 1 || testutil.ToFloat64(DeliveryFailures)-failures != 1 || testutil.ToFloat64(BaselineRuns)-baselines != 1 {
		t.Error("counters did not increment")
	}
	if got := testutil.ToFloat64(ActiveAccounts); got != 7 {
		t.Errorf("active accounts = %v", got)
	}
}

func TestRecordSourceRequest(t *testing.T) {
	Init()
	c := SourceRequests.WithLabelValues("user-tweets", "ok")
	before := testutil.ToFloat64(c)
	RecordSourceRequest("user-tweets", "ok", 250*time.Millisecond)
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("requests delta = %v", got)
	}

	obs, err := SourceRequestDuration.GetMetricWithLabelValues("user-tweets")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	m := &dto.Metric{}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("no duration observed")
	}
}

func TestLoggerWithCorr(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithCorr(context.Background(), base).Info("plain")
	if strings.Contains(buf.String(), "corr=") {
		t.Errorf("unexpected corr attribute: %s", buf.String())
	}
	buf.Reset()

	ctx := WithCorrelation(context.Background(), "cycle-42")
	if GetCorrelation(ctx) != "cycle-42" {
		t.Fatalf("GetCorrelation = %q", GetCorrelation(ctx))
	}
	LoggerWithCorr(ctx, base).Info("tagged")
	if !strings.Contains(buf.String(), "corr=cycle-42") {
		t.Errorf("missing corr attribute: %s", buf.String())
	}
}
