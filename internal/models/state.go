package models

import "time"

// MachineState is one of the five operating regimes of an extrusion line.
type MachineState string

const (
	StateOff        MachineState = "OFF"
	StateHeating    MachineState = "HEATING"
	StateIdle       MachineState = "IDLE"
	StateProduction MachineState = "PRODUCTION"
	StateCooling    MachineState = "COOLING"
)

// MachineStateInfo is the detector's snapshot for one machine: the current
// state, how confident the classifier is, and the derived metrics it used
// to decide.
type MachineStateInfo struct {
	MachineID            string             `json:"machineId"`
	State                MachineState       `json:"state"`
	Confidence           float64            `json:"confidence"`
	StateSince           time.Time          `json:"stateSince"`
	LastUpdated          time.Time          `json:"lastUpdated"`
	StateDurationSeconds float64            `json:"stateDurationSeconds"`
	Metrics              map[string]float64 `json:"metrics,omitempty"`
	Flags                []string           `json:"flags,omitempty"`
}

// Detector flags attached to MachineStateInfo.
const (
	FlagStale       = "stale"
	FlagSensorFault = "sensor_fault"
)

// HasFlag reports whether the snapshot carries the named flag.
func (i *MachineStateInfo) HasFlag(flag string) bool {
	for _, f := range i.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// StateTransition is an append-only record of a detector state change.
type StateTransition struct {
	ID         int64        `json:"id"`
	MachineID  string       `json:"machineId"`
	FromState  MachineState `json:"fromState"`
	ToState    MachineState `json:"toState"`
	Confidence float64      `json:"confidence"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// StateAlert is the operator-visible event emitted on a state change.
type StateAlert struct {
	ID        int64        `json:"id"`
	MachineID string       `json:"machineId"`
	State     MachineState `json:"state"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"createdAt"`
}
