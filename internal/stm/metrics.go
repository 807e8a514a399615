package stm

import "github.com/prometheus/client_golang/prometheus"

// regionMetrics instruments one region. All of it is optional: a region built
// without WithMetrics carries a nil *regionMetrics and pays only nil checks
// on the hot paths.
type regionMetrics struct {
	commits         *prometheus.CounterVec
	aborts          *prometheus.CounterVec
	segmentsLive    prometheus.Gauge
	descriptorsLive prometheus.Gauge
}

// Abort phase labels.
const (
	abortPhaseRead     = "read"
	abortPhaseLock     = "lock"
	abortPhaseValidate = "validate"
)

func newRegionMetrics(reg prometheus.Registerer) *regionMetrics {
	m := &regionMetrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "commits_total",
			Help:      "Committed transactions by mode.",
		}, []string{"mode"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "aborts_total",
			Help:      "Aborted transactions by the phase that detected the conflict.",
		}, []string{"phase"}),
		segmentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stm",
			Name:      "segments_live",
			Help:      "Segments currently mapped, including those pending deletion.",
		}),
		descriptorsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stm",
			Name:      "descriptors_live",
			Help:      "Commit descriptors not yet reclaimed.",
		}),
	}
	reg.MustRegister(m.commits, m.aborts, m.segmentsLive, m.descriptorsLive)
	return m
}

func (m *regionMetrics) observeCommit(readOnly bool) {
	if m == nil {
		return
	}
	mode := "rw"
	if readOnly {
		mode = "ro"
	}
	m.commits.WithLabelValues(mode).Inc()
}

func (m *regionMetrics) observeAbort(phase string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(phase).Inc()
}
