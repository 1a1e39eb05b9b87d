// Package metrics exposes the operational counters/gauges SPEC_FULL.md §1
// adds on top of spec.md: lock contention, active session count, save/tx
// latency, orphan backlog. It follows the teacher's own metrics wiring
// (internal/master/server.go's promauto.NewCounter + "/metrics" via
// promhttp.Handler) but generalized from one process-wide counter to a
// per-store collector, since a library can have many stores in one
// process under test.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every metric one sessionkv.Store reports. A nil
// *Collector is valid everywhere it's used (all methods are nil-safe)
// so metrics stay optional for callers that don't want the dependency
// wired up.
type Collector struct {
	ActiveSessions prometheus.Gauge
	SaveDuration   prometheus.Histogram
	TxDuration     prometheus.Histogram
	LockAcquired   prometheus.Counter
	LockLost       prometheus.Counter
	OrphanBacklog  prometheus.Gauge
}

// New registers a fresh set of collectors on the default Prometheus
// registerer, each carrying storeName as a constant "store" label so that
// stores with different names do not collide. Calling New twice with the
// same store name panics on the duplicate registration.
func New(storeName string) *Collector {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"store": storeName}, prometheus.DefaultRegisterer)
	factory := promauto.With(reg)
	return &Collector{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessionkv_active_sessions",
			Help: "Number of sessions currently loaded for this store.",
		}),
		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionkv_save_duration_seconds",
			Help:    "Latency of the session save pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
		TxDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionkv_tx_duration_seconds",
			Help:    "Latency of a multi-key transaction commit.",
			Buckets: prometheus.DefBuckets,
		}),
		LockAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkv_lock_acquired_total",
			Help: "Number of lease acquisitions completed.",
		}),
		LockLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkv_lock_lost_total",
			Help: "Number of sessions that transitioned to lock-lost.",
		}),
		OrphanBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessionkv_orphan_backlog",
			Help: "Shards awaiting orphan cleanup across all loaded sessions.",
		}),
	}
}

func (c *Collector) IncSessions() {
	if c != nil {
		c.ActiveSessions.Inc()
	}
}

func (c *Collector) DecSessions() {
	if c != nil {
		c.ActiveSessions.Dec()
	}
}

func (c *Collector) ObserveSave(seconds float64) {
	if c != nil {
		c.SaveDuration.Observe(seconds)
	}
}

func (c *Collector) ObserveTx(seconds float64) {
	if c != nil {
		c.TxDuration.Observe(seconds)
	}
}

func (c *Collector) IncLockAcquired() {
	if c != nil {
		c.LockAcquired.Inc()
	}
}

func (c *Collector) IncLockLost() {
	if c != nil {
		c.LockLost.Inc()
	}
}

func (c *Collector) SetOrphanBacklog(n int) {
	if c != nil {
		c.OrphanBacklog.Set(float64(n))
	}
}

// Handler returns the standard promhttp handler, the way the teacher's
// master server mounts "/metrics" (internal/master/server.go).
func Handler() http.Handler {
	return promhttp.Handler()
}
