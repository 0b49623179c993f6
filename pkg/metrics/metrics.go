// Package metrics holds the Prometheus collectors shared by the runtime.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cogbot"

var (
	// DispatchTotal counts dispatches by command and outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Number of command dispatches by outcome.",
		},
		[]string{"command", "outcome"},
	)

	// DispatchDuration observes handler run time for matched commands.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Command handler run time.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30},
		},
		[]string{"command"},
	)

	// LogRecords counts log bridge records by result (persisted, dropped, failed).
	LogRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logbridge",
			Name:      "records_total",
			Help:      "Log records handled by the persistence bridge.",
		},
		[]string{"result"},
	)

	// ExtensionLoads counts extension resolution results.
	ExtensionLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "loads_total",
			Help:      "Extension resolution results by name.",
		},
		[]string{"extension", "result"},
	)
)

var (
	registerMu sync.Mutex
	registered = map[prometheus.Registerer]bool{}
)

// Register adds every collector to registerer. Safe to call multiple times.
func Register(registerer prometheus.Registerer) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	registerMu.Lock()
	defer registerMu.Unlock()

	if registered[registerer] {
		return nil
	}

	collectors := []prometheus.Collector{DispatchTotal, DispatchDuration, LogRecords, ExtensionLoads}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	registered[registerer] = true
	return nil
}
