package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveRun("momentum", "ok", 20*time.Millisecond)
	r.ObserveRun("momentum", "ok", 30*time.Millisecond)
	r.ObserveRun("stat-arb", "failed", time.Millisecond)
	r.ObserveRun("stat-arb", "canceled", 0)

	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues("momentum", "ok")); got != 2 {
		t.Errorf("momentum ok runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues("stat-arb", "failed")); got != 1 {
		t.Errorf("stat-arb failed runs = %v, want 1", got)
	}
	// Canceled runs never started and carry no duration.
	if got := testutil.CollectAndCount(r.runDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestRecordBarsAndEquity(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordBarsFetched("alpaca", 250)
	r.RecordBarsFetched("alpaca", 5)
	r.RecordFinalEquity("momentum", 101234.5)

	expected := `
# HELP quantlab_bars_fetched_total Total number of bars returned by data providers
# TYPE quantlab_bars_fetched_total counter
quantlab_bars_fetched_total{provider="alpaca"} 255
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "quantlab_bars_fetched_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(r.finalEquity.WithLabelValues("momentum")); got != 101234.5 {
		t.Errorf("final equity = %v", got)
	}
}
