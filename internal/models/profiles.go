package models

import "time"

// Profile binds baseline statistics, scoring bands and operator messages to
// a (machine, material) pair. A nil MachineID marks the material default
// used by any machine running that material. At most one profile may be
// active per (machine, material).
type Profile struct {
	ID               string    `json:"id"`
	MachineID        *string   `json:"machineId,omitempty"`
	MaterialID       string    `json:"materialId"`
	Name             string    `json:"name"`
	IsActive         bool      `json:"isActive"`
	BaselineLearning bool      `json:"baselineLearning"`
	BaselineReady    bool      `json:"baselineReady"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// IsMaterialDefault reports whether the profile applies to every machine
// running its material.
func (p *Profile) IsMaterialDefault() bool { return p.MachineID == nil }

// BaselineSample is one transient learning observation. Samples exist only
// while the owning profile has baseline_learning set and are deleted
// atomically on finalize.
type BaselineSample struct {
	ProfileID string    `json:"profileId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// BaselineStats is the finalized statistical summary of one metric for one
// profile. Mean/Std/P05/P95 are nil until finalize has run; SampleCount is
// maintained during collection.
type BaselineStats struct {
	ProfileID   string    `json:"profileId"`
	Metric      string    `json:"metric"`
	Mean        *float64  `json:"mean,omitempty"`
	Std         *float64  `json:"std,omitempty"`
	P05         *float64  `json:"p05,omitempty"`
	P95         *float64  `json:"p95,omitempty"`
	SampleCount int       `json:"sampleCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Finalized reports whether the stats row carries usable statistics.
func (s *BaselineStats) Finalized() bool {
	return s != nil && s.Mean != nil && s.Std != nil
}

// BandMode selects how a scoring band interprets its limits.
type BandMode string

const (
	// BandModeAbs compares |value - mean| against the limits directly.
	BandModeAbs BandMode = "ABS"
	// BandModeRel compares 100*|value - mean|/|mean| (percent) against the limits.
	BandModeRel BandMode = "REL"
)

// ScoringBand maps a metric's deviation from its baseline mean to a
// severity. GreenLimit is the upper bound of GREEN, OrangeLimit the upper
// bound of ORANGE; anything beyond is RED.
type ScoringBand struct {
	ProfileID   string   `json:"profileId"`
	Metric      string   `json:"metric"`
	Mode        BandMode `json:"mode"`
	GreenLimit  float64  `json:"greenLimit"`
	OrangeLimit float64  `json:"orangeLimit"`
}

// MessageTemplate is the operator-facing text rendered for a metric at a
// given severity.
type MessageTemplate struct {
	ProfileID string   `json:"profileId"`
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Text      string   `json:"text"`
}
