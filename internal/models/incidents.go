package models

import "time"

// Prediction is the persisted snapshot of one evaluation tick, including
// the raw readings, derived features and the ML adapter's verbatim reply.
type Prediction struct {
	ID                   string                 `json:"id"`
	MachineID            string                 `json:"machineId"`
	SensorID             string                 `json:"sensorId"`
	Timestamp            time.Time              `json:"timestamp"`
	PredictedLabel       string                 `json:"predictedLabel"`
	Score                float64                `json:"score"`
	Confidence           float64                `json:"confidence"`
	AnomalyType          string                 `json:"anomalyType,omitempty"`
	ModelVersion         string                 `json:"modelVersion,omitempty"`
	RemainingUsefulLife  *float64               `json:"remainingUsefulLife,omitempty"`
	ResponseTimeMS       *float64               `json:"responseTimeMs,omitempty"`
	ContributingFeatures map[string]float64     `json:"contributingFeatures,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
}

// AlarmSeverity is the level of an emitted alarm.
type AlarmSeverity string

const (
	AlarmWarning  AlarmSeverity = "warning"
	AlarmCritical AlarmSeverity = "critical"
)

// AlarmStatus is the workflow state of an alarm.
type AlarmStatus string

const (
	AlarmOpen         AlarmStatus = "open"
	AlarmAcknowledged AlarmStatus = "acknowledged"
	AlarmResolved     AlarmStatus = "resolved"
)

// MetadataKeyIncident is the alarm metadata key carrying the dedup key.
const MetadataKeyIncident = "incident_key"

// Alarm is one operator-facing incident notification. The incident key in
// the metadata deduplicates recurring conditions per machine.
type Alarm struct {
	ID           string            `json:"id"`
	MachineID    string            `json:"machineId"`
	SensorID     string            `json:"sensorId,omitempty"`
	PredictionID *string           `json:"predictionId,omitempty"`
	Severity     AlarmSeverity     `json:"severity"`
	Status       AlarmStatus       `json:"status"`
	Message      string            `json:"message"`
	TriggeredAt  time.Time         `json:"triggeredAt"`
	ResolvedAt   *time.Time        `json:"resolvedAt,omitempty"`
	ResolveNote  string            `json:"resolveNote,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IncidentKey returns the dedup key, or "" for ad-hoc alarms.
func (a *Alarm) IncidentKey() string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[MetadataKeyIncident]
}

// Ticket is the maintenance workflow record attached to a critical alarm.
// At most one ticket exists per incident key.
type Ticket struct {
	ID          string    `json:"id"`
	AlarmID     string    `json:"alarmId"`
	MachineID   string    `json:"machineId"`
	IncidentKey string    `json:"incidentKey"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
