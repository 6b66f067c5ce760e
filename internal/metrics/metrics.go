package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"klinevault/internal/backfill"
	"klinevault/internal/market"
	"klinevault/internal/segment"
	"klinevault/internal/store"
)

const namespace = "klinevault"

// Metrics holds the store and backfill collectors. It implements store.Observer.
type Metrics struct {
	FlushTotal       *prometheus.CounterVec
	FlushErrors      *prometheus.CounterVec
	FlushLatency     *prometheus.HistogramVec
	SegmentRows      *prometheus.GaugeVec
	SegmentBytes     *prometheus.GaugeVec
	Quarantines      *prometheus.CounterVec
	ReplicaFailures  *prometheus.CounterVec
	BackfillRuns     *prometheus.CounterVec
	RecoveredCandles *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	series := []string{"series"}
	return &Metrics{
		FlushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_total",
			Help:      "Committed segment flushes",
		}, series),
		FlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Failed segment flushes; the delta stays pending",
		}, series),
		FlushLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Read-merge-write latency of a flush",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, series),
		SegmentRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_rows",
			Help:      "Candles in the committed segment",
		}, series),
		SegmentBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_bytes",
			Help:      "Compressed size of the committed segment",
		}, series),
		Quarantines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_quarantined_total",
			Help:      "Corrupt segments moved aside",
		}, series),
		ReplicaFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_failures_total",
			Help:      "Alias replica writes that failed",
		}, []string{"series", "alias"}),
		BackfillRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_runs_total",
			Help:      "Gap-fill attempts by outcome",
		}, []string{"series", "outcome"}),
		RecoveredCandles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_recovered_candles_total",
			Help:      "Candles recovered by gap fills",
		}, series),
	}
}

func (m *Metrics) OnFlush(key market.SeriesKey, info store.FlushInfo) {
	s := key.String()
	m.FlushTotal.WithLabelValues(s).Inc()
	m.FlushLatency.WithLabelValues(s).Observe(info.Duration.Seconds())
	m.SegmentRows.WithLabelValues(s).Set(float64(info.Rows))
	m.SegmentBytes.WithLabelValues(s).Set(float64(info.Bytes))
}

func (m *Metrics) OnFlushError(key market.SeriesKey, _ error) {
	m.FlushErrors.WithLabelValues(key.String()).Inc()
}

func (m *Metrics) OnQuarantine(key market.SeriesKey, _ *segment.CorruptError) {
	m.Quarantines.WithLabelValues(key.String()).Inc()
}

// OnReplicaFailure matches segment.Replicator.OnFailure.
func (m *Metrics) OnReplicaFailure(primary, alias market.SeriesKey, _ error) {
	m.ReplicaFailures.WithLabelValues(primary.String(), alias.Venue).Inc()
}

// ObserveBackfill matches backfill.WithReportHook.
func (m *Metrics) ObserveBackfill(rep backfill.Report) {
	m.BackfillRuns.WithLabelValues(rep.Series, string(rep.Outcome)).Inc()
	if rep.Recovered > 0 {
		m.RecoveredCandles.WithLabelValues(rep.Series).Add(float64(rep.Recovered))
	}
}
