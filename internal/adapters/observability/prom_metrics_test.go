package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromObsCountersAndGauges(t *testing.T) {
	obs := NewPromObs()

	obs.IncCounter("smartlab_measurements_started_total", 1)
	obs.IncCounter("smartlab_measurements_started_total", 1)
	obs.SetGauge("smartlab_measurements_in_flight", 3)
	obs.ObserveLatency("smartlab_measurement_duration_seconds", 0.25)

	started := obs.counters["smartlab_measurements_started_total"]
	if got := testutil.ToFloat64(started); got != 2 {
		t.Fatalf("expected 2 started, got %f", got)
	}
	inFlight := obs.gauges["smartlab_measurements_in_flight"]
	if got := testutil.ToFloat64(inFlight); got != 3 {
		t.Fatalf("expected gauge 3, got %f", got)
	}
}

func TestPromObsUnknownNamesAreIgnored(t *testing.T) {
	obs := NewPromObs()

	// Must not panic or register anything on the fly.
	obs.IncCounter("unknown_counter", 1)
	obs.SetGauge("unknown_gauge", 1)
	obs.ObserveLatency("unknown_histogram", 1)
}

func TestPromObsIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewPromObs()
	b := NewPromObs()
	if a.Registry() == b.Registry() {
		t.Fatalf("expected distinct registries per instance")
	}
}
