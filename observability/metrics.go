package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BumpdMetrics exposes Prometheus collectors for the bump engine.
type BumpdMetrics struct {
	TickOutcomes      *prometheus.CounterVec
	SwapLatency       prometheus.Histogram
	QuoteRequests     *prometheus.CounterVec
	DistributionTotal prometheus.Counter
	ConversionTotal   prometheus.Counter
	LedgerAnomalies   prometheus.Counter
	SessionsStopped   prometheus.Counter
}

var (
	bumpdOnce     sync.Once
	bumpdRegistry *BumpdMetrics
)

// Bumpd returns the lazily-initialised metrics registry shared by all
// components of the engine.
func Bumpd() *BumpdMetrics {
	bumpdOnce.Do(func() {
		bumpdRegistry = &BumpdMetrics{
			TickOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "tick_outcomes_total",
				Help:      "Session tick results partitioned by outcome.",
			}, []string{"outcome"}),
			SwapLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bumpd",
				Name:      "swap_latency_seconds",
				Help:      "End-to-end latency of a bump swap from quote to confirmation.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			QuoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "quote_requests_total",
				Help:      "Aggregator quote requests partitioned by result.",
			}, []string{"result"}),
			DistributionTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "distributions_total",
				Help:      "Completed main-to-satellite distributions.",
			}),
			ConversionTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "conversions_total",
				Help:      "Native-to-wrapped conversions submitted on-chain.",
			}),
			LedgerAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "ledger_anomalies_total",
				Help:      "Integrity anomalies detected by the credit ledger.",
			}),
			SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bumpd",
				Name:      "sessions_stopped_total",
				Help:      "Sessions stopped after all satellites depleted.",
			}),
		}
		prometheus.MustRegister(
			bumpdRegistry.TickOutcomes,
			bumpdRegistry.SwapLatency,
			bumpdRegistry.QuoteRequests,
			bumpdRegistry.DistributionTotal,
			bumpdRegistry.ConversionTotal,
			bumpdRegistry.LedgerAnomalies,
			bumpdRegistry.SessionsStopped,
		)
	})
	return bumpdRegistry
}

// ObserveSwapLatency records the wall-clock duration of a completed swap.
func (m *BumpdMetrics) ObserveSwapLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SwapLatency.Observe(d.Seconds())
}

// RecordTick increments the outcome counter for one tick.
func (m *BumpdMetrics) RecordTick(outcome string) {
	if m == nil {
		return
	}
	m.TickOutcomes.WithLabelValues(outcome).Inc()
}
