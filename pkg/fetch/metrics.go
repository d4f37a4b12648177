package fetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Window outcomes recorded by Metrics.
const (
	resultOK     = "ok"
	resultEmpty  = "empty"
	resultFailed = "failed"
)

// Metrics counts fetched windows and events. A nil *Metrics records nothing.
type Metrics struct {
	windows  *prometheus.CounterVec
	events   prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics creates the fetch collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activity",
			Subsystem: "fetch",
			Name:      "windows_total",
			Help:      "Time windows fetched, by result.",
		}, []string{"result"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "activity",
			Subsystem: "fetch",
			Name:      "events_total",
			Help:      "Events accumulated across all windows.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "activity",
			Subsystem: "fetch",
			Name:      "window_duration_seconds",
			Help:      "Time spent resolving one window on every relay.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.windows, m.events, m.duration)
	}
	return m
}

func (m *Metrics) observeWindow(result string, events int, took time.Duration) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(result).Inc()
	m.events.Add(float64(events))
	m.duration.Observe(took.Seconds())
}
