package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes metrics of the dependency scheduler.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	SortDuration prometheus.Histogram
	Tiers        prometheus.Gauge
	Demotions    prometheus.Counter
	Promotions   prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sortHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_sort_duration_seconds",
		Help:    "Duration of one tier assignment pass.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	sortHistogram, err := register(reg, sortHistogram, "scheduler_sort_duration_seconds")
	if err != nil {
		return nil, err
	}

	tiers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_tiers",
		Help: "Number of execution tiers produced by the last pass.",
	})
	tiers, err = register(reg, tiers, "scheduler_tiers")
	if err != nil {
		return nil, err
	}

	demotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_demotions_total",
		Help: "Agents moved to a later tier to resolve a conflict.",
	})
	demotions, err = register(reg, demotions, "scheduler_demotions_total")
	if err != nil {
		return nil, err
	}

	promotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_promotions_total",
		Help: "Agents moved to an earlier tier because their dependency vanished.",
	})
	promotions, err = register(reg, promotions, "scheduler_promotions_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:     gatherer,
		SortDuration: sortHistogram,
		Tiers:        tiers,
		Demotions:    demotions,
		Promotions:   promotions,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSort records one scheduling pass.
func (c *SchedulerCollector) ObserveSort(d time.Duration, tiers, demoted, promoted int) {
	if c == nil {
		return
	}
	c.SortDuration.Observe(d.Seconds())
	c.Tiers.Set(float64(tiers))
	if demoted > 0 {
		c.Demotions.Add(float64(demoted))
	}
	if promoted > 0 {
		c.Promotions.Add(float64(promoted))
	}
}
