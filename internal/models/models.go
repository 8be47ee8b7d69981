// Package models defines the shared data types for the meltline core:
// machines, sensors, historian rows, profiles, predictions, alarms and
// tickets. The types here are persistence-agnostic; the store package
// maps them to the relational schema.
package models

import (
	"time"
)

// Machine represents one extrusion line machine.
type Machine struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Criticality string            `json:"criticality"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// MetadataKeyMaterial is the machine metadata key carrying the identifier
// of the material currently loaded on the line.
const MetadataKeyMaterial = "current_material"

// CurrentMaterial returns the material selected on the machine, or "".
func (m *Machine) CurrentMaterial() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetadataKeyMaterial]
}

// Sensor is a named signal belonging to one machine. The sensor-of-record
// aggregates the historian snapshot for the whole machine.
type Sensor struct {
	ID            string    `json:"id"`
	MachineID     string    `json:"machineId"`
	Name          string    `json:"name"`
	Unit          string    `json:"unit"`
	WarnLimit     *float64  `json:"warnLimit,omitempty"`
	CriticalLimit *float64  `json:"criticalLimit,omitempty"`
	IsRecord      bool      `json:"isRecord"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HistorianRow is one raw sample from the process historian. Channels are
// pointers because the historian routinely delivers NULLs; identity is the
// timestamp and duplicates must be suppressed by the poller.
type HistorianRow struct {
	Timestamp   time.Time `json:"timestamp"`
	ScrewRPM    *float64  `json:"screwRpm"`
	PressureBar *float64  `json:"pressureBar"`
	TempZone1   *float64  `json:"tempZone1"`
	TempZone2   *float64  `json:"tempZone2"`
	TempZone3   *float64  `json:"tempZone3"`
	TempZone4   *float64  `json:"tempZone4"`
}

// TempZones returns the valid temperature zone values in zone order.
func (r *HistorianRow) TempZones() []float64 {
	zones := make([]float64, 0, 4)
	for _, z := range []*float64{r.TempZone1, r.TempZone2, r.TempZone3, r.TempZone4} {
		if z != nil {
			zones = append(zones, *z)
		}
	}
	return zones
}

// RPM returns the screw speed or 0 when the channel is absent.
func (r *HistorianRow) RPM() float64 {
	if r.ScrewRPM == nil {
		return 0
	}
	return *r.ScrewRPM
}

// Pressure returns the melt pressure or 0 when the channel is absent.
func (r *HistorianRow) Pressure() float64 {
	if r.PressureBar == nil {
		return 0
	}
	return *r.PressureBar
}

// Readings flattens the row into the metric map used by the evaluator and
// the AI adapter payload. Absent channels are omitted.
func (r *HistorianRow) Readings() map[string]float64 {
	readings := make(map[string]float64, 6)
	if r.ScrewRPM != nil {
		readings[MetricScrewSpeed] = *r.ScrewRPM
	}
	if r.PressureBar != nil {
		readings[MetricPressure] = *r.PressureBar
	}
	if r.TempZone1 != nil {
		readings[MetricTempZone1] = *r.TempZone1
	}
	if r.TempZone2 != nil {
		readings[MetricTempZone2] = *r.TempZone2
	}
	if r.TempZone3 != nil {
		readings[MetricTempZone3] = *r.TempZone3
	}
	if r.TempZone4 != nil {
		readings[MetricTempZone4] = *r.TempZone4
	}
	return readings
}

// Metric names tracked across baseline learning and evaluation.
const (
	MetricScrewSpeed = "ScrewSpeed_rpm"
	MetricPressure   = "Pressure_bar"
	MetricTempZone1  = "Temp_Zone1_C"
	MetricTempZone2  = "Temp_Zone2_C"
	MetricTempZone3  = "Temp_Zone3_C"
	MetricTempZone4  = "Temp_Zone4_C"
	MetricTempAvg    = "Temp_Avg"
	MetricTempSpread = "Temp_Spread"
)

// TrackedMetrics is the fixed set of metrics collected during baseline
// learning and scored by the evaluator.
var TrackedMetrics = []string{
	MetricScrewSpeed,
	MetricPressure,
	MetricTempZone1,
	MetricTempZone2,
	MetricTempZone3,
	MetricTempZone4,
	MetricTempAvg,
	MetricTempSpread,
}

// IsTrackedMetric reports whether name belongs to the fixed tracked set.
func IsTrackedMetric(name string) bool {
	for _, m := range TrackedMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// Severity is the traffic-light scale shared by scoring bands, message
// templates and evaluation results.
type Severity int

const (
	SeverityUnknown Severity = -1
	SeverityGreen   Severity = 0
	SeverityOrange  Severity = 1
	SeverityRed     Severity = 2
)

// String renders the severity for templates, events and logs.
func (s Severity) String() string {
	switch s {
	case SeverityGreen:
		return "green"
	case SeverityOrange:
		return "orange"
	case SeverityRed:
		return "red"
	default:
		return "unknown"
	}
}

// Known reports whether the severity carries information.
func (s Severity) Known() bool { return s >= SeverityGreen }

// MaxSeverity returns the worse of two severities, ignoring unknowns.
func MaxSeverity(a, b Severity) Severity {
	if !a.Known() {
		return b
	}
	if !b.Known() {
		return a
	}
	if b > a {
		return b
	}
	return a
}
