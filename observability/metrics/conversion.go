package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ConversionMetrics struct {
	initiated       *prometheus.CounterVec
	resolved        *prometheus.CounterVec
	retries         prometheus.Counter
	liquidations    *prometheus.CounterVec
	frozenAccounts  prometheus.Gauge
	journalEntries  prometheus.Gauge
	venueQueueDepth *prometheus.GaugeVec
}

var (
	conversionOnce     sync.Once
	conversionRegistry *ConversionMetrics
)

func Conversion() *ConversionMetrics {
	conversionOnce.Do(func() {
		conversionRegistry = &ConversionMetrics{
			initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conversion_initiated_total",
				Help: "Count of initiated conversions by kind (deposit or withdrawal).",
			}, []string{"kind"}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conversion_resolved_total",
				Help: "Count of resolved conversions by kind and outcome.",
			}, []string{"kind", "outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "conversion_retries_total",
				Help: "Number of handler re-attempts on retryable conversions.",
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conversion_liquidations_total",
				Help: "Count of liquidation preparations and settlements by phase.",
			}, []string{"phase"}),
			frozenAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "conversion_frozen_accounts",
				Help: "Number of sub-accounts currently frozen by an in-flight conversion.",
			}),
			journalEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "conversion_journal_entries",
				Help: "Sequence number of the latest journal entry.",
			}),
			venueQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "conversion_venue_queue_depth",
				Help: "Requests awaiting settlement at the venue by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			conversionRegistry.initiated,
			conversionRegistry.resolved,
			conversionRegistry.retries,
			conversionRegistry.liquidations,
			conversionRegistry.frozenAccounts,
			conversionRegistry.journalEntries,
			conversionRegistry.venueQueueDepth,
		)
	})
	return conversionRegistry
}

func (m *ConversionMetrics) ObserveInitiated(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.initiated.WithLabelValues(kind).Inc()
}

func (m *ConversionMetrics) ObserveResolved(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.resolved.WithLabelValues(kind, outcome).Inc()
}

func (m *ConversionMetrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *ConversionMetrics) ObserveLiquidation(phase string) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	m.liquidations.WithLabelValues(phase).Inc()
}

func (m *ConversionMetrics) SetFrozenAccounts(count float64) {
	if m == nil {
		return
	}
	m.frozenAccounts.Set(count)
}

func (m *ConversionMetrics) SetJournalEntries(seq float64) {
	if m == nil {
		return
	}
	m.journalEntries.Set(seq)
}

func (m *ConversionMetrics) SetVenueQueueDepth(kind string, depth float64) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.venueQueueDepth.WithLabelValues(kind).Set(depth)
}
