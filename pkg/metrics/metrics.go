package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProvisionDurationSeconds tracks how long backend realize operations take.
	ProvisionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aware_provision_duration_seconds",
			Help:    "Duration of tenant provision operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	// TeardownDurationSeconds tracks how long backend teardown operations take.
	TeardownDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aware_teardown_duration_seconds",
			Help:    "Duration of tenant teardown operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	// LifecycleOpsTotal counts completed lifecycle operations by operation and
	// outcome. result label is "success" or "error".
	LifecycleOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aware_lifecycle_ops_total",
			Help: "Total number of completed tenant lifecycle operations by result",
		},
		[]string{"op", "result"},
	)
)
