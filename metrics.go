package geocorr

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are per engine so several engines can live in one process; they
// are only exported when a Registerer is configured. Components built
// separately against the same Registerer share its collectors.
type metrics struct {
	indexBuilds     prometheus.Counter
	indexDuration   prometheus.Histogram
	indexLocations  prometheus.Gauge
	datasetsSkipped prometheus.Counter
	resolutions     *prometheus.CounterVec
	boundaryLoads   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return registerMetrics(reg, &metrics{
		indexBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocorr_index_builds_total",
			Help: "Total number of geographic index builds",
		}),
		indexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geocorr_index_build_duration_seconds",
			Help:    "Geographic index build duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
		}),
		indexLocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocorr_index_locations",
			Help: "Location records in the current geographic index",
		}),
		datasetsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocorr_datasets_skipped_total",
			Help: "Datasets skipped while indexing (no location columns or malformed)",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocorr_relationship_resolutions_total",
			Help: "Relationship resolutions by strategy and outcome",
		}, []string{"strategy", "matched"}),
		boundaryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocorr_boundary_loads_total",
			Help: "Boundary collection loads by status",
		}, []string{"status"}),
	})
}

func registerMetrics(reg prometheus.Registerer, m *metrics) *metrics {
	if reg == nil {
		return m
	}
	m.indexBuilds = register(reg, m.indexBuilds)
	m.indexDuration = register(reg, m.indexDuration)
	m.indexLocations = register(reg, m.indexLocations)
	m.datasetsSkipped = register(reg, m.datasetsSkipped)
	m.resolutions = register(reg, m.resolutions)
	m.boundaryLoads = register(reg, m.boundaryLoads)
	return m
}

// register adds c to reg, returning the collector already registered under
// the same name instead when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (m *metrics) observeResolution(s MatchingStrategy, matched bool) {
	m.resolutions.WithLabelValues(string(s), strconv.FormatBool(matched)).Inc()
}
