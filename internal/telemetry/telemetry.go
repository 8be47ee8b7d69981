// Package telemetry holds the Prometheus instrumentation shared across
// the pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollResults counts historian polling attempts partitioned by result.
	PollResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meltline",
			Subsystem: "historian",
			Name:      "poll_total",
			Help:      "Historian polling attempts partitioned by result.",
		},
		[]string{"machine", "result"},
	)

	// EvaluationDuration observes how long one evaluation tick takes.
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meltline",
			Subsystem: "evaluator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of evaluation ticks per machine.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"machine"},
	)

	// ProcessSeverity mirrors the latest overall severity per machine
	// (-1 unknown, 0 green, 1 orange, 2 red).
	ProcessSeverity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meltline",
			Subsystem: "evaluator",
			Name:      "process_severity",
			Help:      "Latest overall process severity per machine.",
		},
		[]string{"machine"},
	)

	// AlarmsCreated counts alarms actually inserted, by severity.
	AlarmsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meltline",
			Subsystem: "incidents",
			Name:      "alarms_created_total",
			Help:      "Alarms created after dedup and calm-control policy.",
		},
		[]string{"machine", "severity"},
	)

	// AlarmsSuppressed counts alarms withheld by calm control.
	AlarmsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meltline",
			Subsystem: "incidents",
			Name:      "alarms_suppressed_total",
			Help:      "Alarms suppressed by dedup, cooldown or baseline learning.",
		},
		[]string{"machine", "reason"},
	)

	// MachineState mirrors the detector state as a numeric gauge
	// (0 OFF, 1 HEATING, 2 IDLE, 3 PRODUCTION, 4 COOLING).
	MachineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meltline",
			Subsystem: "state",
			Name:      "machine_state",
			Help:      "Current detector state per machine.",
		},
		[]string{"machine"},
	)
)

// StateValue maps a state symbol to its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "HEATING":
		return 1
	case "IDLE":
		return 2
	case "PRODUCTION":
		return 3
	case "COOLING":
		return 4
	default:
		return 0
	}
}
