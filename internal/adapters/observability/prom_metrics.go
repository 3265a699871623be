package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// PromObs implements ports.Observability with stdlib logging and Prometheus
// metrics. Each instance owns its own registry so embedders and tests can
// build several without collisions.
type PromObs struct {
	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs() *PromObs {
	started := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_measurements_started_total",
		Help: "Measurement runs accepted by the host.",
	})
	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_measurements_completed_total",
		Help: "Measurement runs that published a result.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_measurements_failed_total",
		Help: "Measurement runs that ended in an error.",
	})
	cancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_measurements_cancelled_total",
		Help: "Measurement runs ended by an explicit cancel.",
	})
	handshakeRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_handshake_retries_total",
		Help: "INITIALIZE attempts beyond the first, across all devices.",
	})
	chunks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_breakpoint_chunks_total",
		Help: "Acknowledged breakpoint chunks received from agents.",
	})
	sinkFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartlab_sink_failures_total",
		Help: "Result deliveries rejected by the configured sink.",
	})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smartlab_measurements_in_flight",
		Help: "Measurements currently registered with the host.",
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smartlab_measurement_duration_seconds",
		Help:    "Wall time from device initialize to published result.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(started, completed, failed, cancelled,
		handshakeRetries, chunks, sinkFailures, inFlight, duration)

	return &PromObs{
		registry: registry,
		counters: map[string]prometheus.Counter{
			"smartlab_measurements_started_total":   started,
			"smartlab_measurements_completed_total": completed,
			"smartlab_measurements_failed_total":    failed,
			"smartlab_measurements_cancelled_total": cancelled,
			"smartlab_handshake_retries_total":      handshakeRetries,
			"smartlab_breakpoint_chunks_total":      chunks,
			"smartlab_sink_failures_total":          sinkFailures,
		},
		gauges: map[string]prometheus.Gauge{
			"smartlab_measurements_in_flight": inFlight,
		},
		histos: map[string]prometheus.Observer{
			"smartlab_measurement_duration_seconds": duration,
		},
	}
}

// Registry exposes the instance registry for the /metrics handler.
func (p *PromObs) Registry() *prometheus.Registry { return p.registry }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	log.Printf("WARN: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
		return
	}
	log.Printf("ERROR: %s%s", msg, formatFields(fields))
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
