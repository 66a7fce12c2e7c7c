package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	ResolveCounter.WithLabelValues("hit").Inc()
	ProducerCounter.WithLabelValues("ok").Inc()
	ReclaimCounter.Inc()
	ResolveDuration.Observe(0.01)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 4 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
	if got := testutil.ToFloat64(ResolveCounter.WithLabelValues("hit")); got < 1 {
		t.Fatalf("expected hit counter >= 1, got %v", got)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
