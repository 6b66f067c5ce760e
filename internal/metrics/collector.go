package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"klinevault/internal/store"
)

// StatsSource is satisfied by *store.Registry.
type StatsSource interface {
	Stats() []store.Stats
}

// registryCollector reports in-memory state at scrape time instead of on every append.
type registryCollector struct {
	src        StatsSource
	workingSet *prometheus.Desc
	pending    *prometheus.Desc
	lastTS     *prometheus.Desc
}

func NewRegistryCollector(src StatsSource) prometheus.Collector {
	labels := []string{"series"}
	return &registryCollector{
		src:        src,
		workingSet: prometheus.NewDesc(namespace+"_working_set_size", "Candles held in the working set", labels, nil),
		pending:    prometheus.NewDesc(namespace+"_pending_candles", "Accepted candles not yet persisted", labels, nil),
		lastTS:     prometheus.NewDesc(namespace+"_last_timestamp_seconds", "Newest candle timestamp", labels, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workingSet
	ch <- c.pending
	ch <- c.lastTS
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(c.workingSet, prometheus.GaugeValue, float64(st.WorkingSet), st.Key)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Pending), st.Key)
		if !st.LastTimestamp.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastTS, prometheus.GaugeValue, float64(st.LastTimestamp.Unix()), st.Key)
		}
	}
}
