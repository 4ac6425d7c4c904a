package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "teleingest"

// Metrics are the prometheus collectors updated by a Batcher. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	recordsBuffered prometheus.Counter
	recordsFlushed  prometheus.Counter
	flushes         *prometheus.CounterVec
	chunkAttempts   *prometheus.CounterVec
	pending         prometheus.Gauge
}

// NewMetrics creates the batcher collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recordsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_buffered_total",
			Help:      "Records appended to the pending batch.",
		}),
		recordsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_flushed_total",
			Help:      "Records confirmed by the store and removed from the pending batch.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Flushes of a non-empty pending batch by result.",
		}, []string{"result"}),
		chunkAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_attempts_total",
			Help:      "Chunk write attempts against the store by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_records",
			Help:      "Records currently waiting in the pending batch.",
		}),
	}
	for _, c := range []prometheus.Collector{m.recordsBuffered, m.recordsFlushed, m.flushes, m.chunkAttempts, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) buffered(pending int) {
	if m == nil {
		return
	}
	m.recordsBuffered.Inc()
	m.pending.Set(float64(pending))
}

func (m *Metrics) flushed(count, pending int) {
	if m == nil {
		return
	}
	m.recordsFlushed.Add(float64(count))
	m.flushes.WithLabelValues(result(true)).Inc()
	m.pending.Set(float64(pending))
}

func (m *Metrics) flushFailed() {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result(false)).Inc()
}

func (m *Metrics) chunkAttempt(ok bool) {
	if m == nil {
		return
	}
	m.chunkAttempts.WithLabelValues(result(ok)).Inc()
}
