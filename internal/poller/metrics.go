package poller

import (
	"github.com/prometheus/client_golang/prometheus"

	"patchvault/internal/fault"
)

const metricsNamespace = "patchvault"

type Metrics struct {
	cycles          *prometheus.CounterVec
	errors          *prometheus.CounterVec
	compressedBytes prometheus.Gauge
	lastSuccess     prometheus.Gauge
	oversize        prometheus.Counter
	mirrorFailures  prometheus.Counter
	notifyFailures  prometheus.Counter
}

// NewMetrics registers the loop's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_errors_total",
			Help:      "Failed poll cycles by error kind.",
		}, []string{"kind"}),
		compressedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "artifact_compressed_bytes",
			Help:      "Size of the most recently stored archive.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that did not fail.",
		}),
		oversize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oversize_artifacts_total",
			Help:      "Archives stored above the size warning threshold.",
		}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mirror_failures_total",
			Help:      "Archives that could not be copied to the mirror bucket.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notify_failures_total",
			Help:      "New-version events that could not be published.",
		}),
	}
	reg.MustRegister(
		m.cycles, m.errors, m.compressedBytes, m.lastSuccess,
		m.oversize, m.mirrorFailures, m.notifyFailures,
	)
	for _, o := range []Outcome{OutcomeStored, OutcomeResumed, OutcomeSkipped, OutcomeFailed} {
		m.cycles.WithLabelValues(string(o))
	}
	for _, k := range []fault.Kind{fault.KindTransport, fault.KindStorage, fault.KindUnclassified} {
		m.errors.WithLabelValues(k.String())
	}
	return m
}

func (m *Metrics) observe(res CycleResult) {
	m.cycles.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == OutcomeFailed {
		m.errors.WithLabelValues(res.Kind.String()).Inc()
	} else {
		m.lastSuccess.Set(float64(res.Finished.Unix()))
	}
	if res.Settled() {
		m.compressedBytes.Set(float64(res.CompressedSize))
		if res.Oversize {
			m.oversize.Inc()
		}
	}
}
