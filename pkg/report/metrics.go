package report

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks capture and sync activity for Prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	captured     prometheus.Counter
	evicted      prometheus.Counter
	synced       prometheus.Counter
	syncs        *prometheus.CounterVec
	depth        prometheus.Gauge
	syncDuration prometheus.Histogram
}

// NewMetrics creates the collectors. They are not registered until Register is called.
func NewMetrics() *Metrics {
	return &Metrics{
		captured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gec_records_captured_total",
			Help: "Total number of error records captured",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gec_records_evicted_total",
			Help: "Total number of records dropped because the queue was full",
		}),
		synced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gec_records_synced_total",
			Help: "Total number of records accepted by the collector",
		}),
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gec_sync_attempts_total",
				Help: "Sync attempts by outcome",
			},
			[]string{"status"},
		),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gec_queue_depth",
			Help: "Current number of queued records",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gec_sync_duration_seconds",
			Help:    "Time spent transmitting a batch",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Register registers all collectors with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.captured, m.evicted, m.synced, m.syncs, m.depth, m.syncDuration}
}

// RecordCaptured records one captured record
func (m *Metrics) RecordCaptured() {
	if m == nil {
		return
	}
	m.captured.Inc()
}

// RecordEvicted records records dropped by the eviction policy
func (m *Metrics) RecordEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

// RecordSync records the outcome of one Sync call
func (m *Metrics) RecordSync(res SyncResult) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(string(res.Status)).Inc()
	if res.Status == SyncSent {
		m.synced.Add(float64(res.Sent))
	}
	if res.Status == SyncSent || res.Status == SyncFailed {
		m.syncDuration.Observe(res.Duration.Seconds())
	}
}

// UpdateDepth sets the queue depth gauge
func (m *Metrics) UpdateDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}

