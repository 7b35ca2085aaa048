package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rorqualx/scrollharvest/internal/browser"
)

// PoolSource reports the status of every session pool.
type PoolSource interface {
	Statuses() []browser.PoolStatus
}

// PoolCollector exports session pool occupancy and counters, read fresh
// from the pools on every scrape.
type PoolCollector struct {
	src PoolSource

	maxSize  *prometheus.Desc
	sessions *prometheus.Desc
	waiting  *prometheus.Desc
	creating *prometheus.Desc
	created  *prometheus.Desc
	acquired *prometheus.Desc
	evicted  *prometheus.Desc
	timeouts *prometheus.Desc
	handoffs *prometheus.Desc
}

// NewPoolCollector creates a collector over src.
func NewPoolCollector(src PoolSource) *PoolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", name),
			help,
			append([]string{"platform"}, labels...),
			nil,
		)
	}
	return &PoolCollector{
		src:      src,
		maxSize:  desc("max_size", "Configured maximum sessions"),
		sessions: desc("sessions", "Sessions by state", "state"),
		waiting:  desc("waiting", "Callers waiting for a session"),
		creating: desc("creating", "Sessions being created"),
		created:  desc("created_total", "Sessions created"),
		acquired: desc("acquired_total", "Session leases granted"),
		evicted:  desc("evicted_total", "Sessions evicted"),
		timeouts: desc("acquire_timeouts_total", "Acquire calls that timed out waiting"),
		handoffs: desc("handoffs_total", "Sessions handed directly to a waiter"),
	}
}

// RegisterPoolCollector registers a collector over src with the default
// registry.
func RegisterPoolCollector(src PoolSource) error {
	return prometheus.Register(NewPoolCollector(src))
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxSize
	ch <- c.sessions
	ch <- c.waiting
	ch <- c.creating
	ch <- c.created
	ch <- c.acquired
	ch <- c.evicted
	ch <- c.timeouts
	ch <- c.handoffs
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Statuses() {
		p := st.Platform
		ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(st.MaxSize), p)
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(st.Idle), p, "idle")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(st.Leased), p, "leased")
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(st.Waiting), p)
		ch <- prometheus.MustNewConstMetric(c.creating, prometheus.GaugeValue, float64(st.Creating), p)
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(st.Stats.Created), p)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(st.Stats.Acquired), p)
		ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(st.Stats.Evicted), p)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(st.Stats.Timeouts), p)
		ch <- prometheus.MustNewConstMetric(c.handoffs, prometheus.CounterValue, float64(st.Stats.Handoffs), p)
	}
}
