package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.StageExecutions.WithLabelValues("etl_v1", "raw", "executed").Inc()
	m.StageExecutions.WithLabelValues("etl_v1", "raw", "executed").Inc()
	m.RefreshRequests.WithLabelValues("submitted").Inc()

	if got := testutil.ToFloat64(m.StageExecutions.WithLabelValues("etl_v1", "raw", "executed")); got != 2 {
		t.Errorf("stage executions = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.RefreshRequests); n != 1 {
		t.Errorf("refresh series = %d, want 1", n)
	}

	// a second set on its own registry must not collide
	other := NewNop()
	other.Runs.WithLabelValues("etl_v1", "completed").Inc()
	if got := testutil.ToFloat64(m.Runs.WithLabelValues("etl_v1", "completed")); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
