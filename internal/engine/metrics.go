package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sync run outcomes reported in biotag_sync_runs_total.
const (
	syncResultOK       = "ok"
	syncResultPartial  = "partial"
	syncResultOffline  = "offline"
	syncResultBusy     = "busy"
	syncResultStorage  = "storage_error"
	callResultSuccess  = "success"
	callResultFailure  = "failure"
	callResultNotFound = "not_found"
)

type metrics struct {
	records      prometheus.Gauge
	pending      prometheus.Gauge
	reachable    prometheus.Gauge
	syncRuns     *prometheus.CounterVec
	remoteCalls  *prometheus.CounterVec
	syncDuration prometheus.Histogram
	reloads      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biotag_records",
			Help: "Number of records in the local record set.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biotag_records_pending",
			Help: "Number of records not yet confirmed by the remote service.",
		}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biotag_remote_reachable",
			Help: "1 when the remote service is considered reachable.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biotag_sync_runs_total",
			Help: "Synchronization runs by outcome.",
		}, []string{"result"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biotag_remote_calls_total",
			Help: "Remote calls by operation and outcome.",
		}, []string{"op", "result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "biotag_sync_duration_seconds",
			Help:    "Duration of synchronization runs that reached the remote service.",
			Buckets: prometheus.DefBuckets,
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "biotag_store_reloads_total",
			Help: "Reloads of the record set after another process wrote to the store.",
		}),
	}

	reg.MustRegister(m.records, m.pending, m.reachable, m.syncRuns, m.remoteCalls, m.syncDuration, m.reloads)
	return m
}

func (m *metrics) observeSnapshot(s *snapshot) {
	m.records.Set(float64(len(s.order)))
	m.pending.Set(float64(s.pendingCount()))
}

func (m *metrics) observeReachable(v bool) {
	if v {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}
