// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing, so library callers and tests can skip wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rating"

type Metrics struct {
	reg *prometheus.Registry

	settlements    *prometheus.CounterVec
	settleRetries  prometheus.Counter
	settleDuration prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
	recalcPlayers  *prometheus.CounterVec
}

// New registers the engine collectors plus the Go runtime collectors on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Match settlements by result code.",
		}, []string{"result"}),
		settleRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_retries_total",
			Help:      "Settlement attempts retried after a concurrent update.",
		}),
		settleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of a settlement including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and outcome.",
		}, []string{"cache", "outcome"}),
		recalcPlayers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalculated_players_total",
			Help:      "Players replayed by the recalculation engine by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Settled(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
	m.settleDuration.Observe(took.Seconds())
}

func (m *Metrics) SettleRetried() {
	if m == nil {
		return
	}
	m.settleRetries.Inc()
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, outcome).Inc()
}

// Recalculated counts one replayed player: "consistent", "corrected",
// "drift" (dry run) or "error".
func (m *Metrics) Recalculated(outcome string) {
	if m == nil {
		return
	}
	m.recalcPlayers.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
