package evaluation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/models"
)

func f(v float64) *float64 { return &v }

func finalizedStats(mean, std float64) *models.BaselineStats {
	return &models.BaselineStats{
		Mean: f(mean), Std: f(std), P05: f(mean - 2*std), P95: f(mean + 2*std),
	}
}

func TestTempSpreadFixedThresholds(t *testing.T) {
	tests := []struct {
		spread float64
		want   models.Severity
	}{
		{0, models.SeverityGreen},
		{5.0, models.SeverityGreen},
		{5.0001, models.SeverityOrange},
		{8.0, models.SeverityOrange},
		{8.0001, models.SeverityRed},
		{20, models.SeverityRed},
	}
	for _, tt := range tests {
		got := ruleSeverity(models.MetricTempSpread, tt.spread, nil, nil, features.WindowFeatures{})
		assert.Equal(t, tt.want, got, "spread=%v", tt.spread)
	}
}

func TestRuleSeverityBands(t *testing.T) {
	stats := finalizedStats(100, 2)

	t.Run("absolute band", func(t *testing.T) {
		band := &models.ScoringBand{Mode: models.BandModeAbs, GreenLimit: 5, OrangeLimit: 10}
		assert.Equal(t, models.SeverityGreen, ruleSeverity(models.MetricPressure, 104, band, stats, features.WindowFeatures{}))
		assert.Equal(t, models.SeverityOrange, ruleSeverity(models.MetricPressure, 108, band, stats, features.WindowFeatures{}))
		assert.Equal(t, models.SeverityRed, ruleSeverity(models.MetricPressure, 111, band, stats, features.WindowFeatures{}))
		// Deviation below the mean counts the same as above.
		assert.Equal(t, models.SeverityRed, ruleSeverity(models.MetricPressure, 89, band, stats, features.WindowFeatures{}))
	})

	t.Run("relative band", func(t *testing.T) {
		band := &models.ScoringBand{Mode: models.BandModeRel, GreenLimit: 3, OrangeLimit: 5}
		assert.Equal(t, models.SeverityGreen, ruleSeverity(models.MetricPressure, 103, band, stats, features.WindowFeatures{}))
		assert.Equal(t, models.SeverityOrange, ruleSeverity(models.MetricPressure, 104, band, stats, features.WindowFeatures{}))
		assert.Equal(t, models.SeverityRed, ruleSeverity(models.MetricPressure, 106, band, stats, features.WindowFeatures{}))
	})

	t.Run("relative band with zero mean is unknown", func(t *testing.T) {
		band := &models.ScoringBand{Mode: models.BandModeRel, GreenLimit: 3, OrangeLimit: 5}
		zero := finalizedStats(0, 1)
		assert.Equal(t, models.SeverityUnknown, ruleSeverity(models.MetricPressure, 5, band, zero, features.WindowFeatures{}))
	})
}

func TestRuleSeverityGenericBand(t *testing.T) {
	// Finalized baseline, no configured band: the 3/5 % band applies.
	stats := finalizedStats(200, 4)
	assert.Equal(t, models.SeverityGreen, ruleSeverity(models.MetricTempAvg, 205, nil, stats, features.WindowFeatures{}))
	assert.Equal(t, models.SeverityOrange, ruleSeverity(models.MetricTempAvg, 208, nil, stats, features.WindowFeatures{}))
	assert.Equal(t, models.SeverityRed, ruleSeverity(models.MetricTempAvg, 211, nil, stats, features.WindowFeatures{}))
}

func TestRuleSeverityZScoreFallback(t *testing.T) {
	wf := features.WindowFeatures{
		Metrics: map[string]features.MetricFeatures{
			models.MetricPressure: {Mean: 50, Std: 2},
		},
	}
	assert.Equal(t, models.SeverityGreen, ruleSeverity(models.MetricPressure, 51, nil, nil, wf))
	assert.Equal(t, models.SeverityOrange, ruleSeverity(models.MetricPressure, 53, nil, nil, wf))
	assert.Equal(t, models.SeverityRed, ruleSeverity(models.MetricPressure, 58, nil, nil, wf))

	// No baseline and no window statistics: UNKNOWN.
	assert.Equal(t, models.SeverityUnknown, ruleSeverity(models.MetricPressure, 50, nil, nil, features.WindowFeatures{}))
}

func windowWithPressure(values ...float64) []*models.HistorianRow {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := make([]*models.HistorianRow, len(values))
	for i, v := range values {
		rows[i] = &models.HistorianRow{
			Timestamp:   base.Add(time.Duration(i) * 5 * time.Second),
			PressureBar: f(v),
		}
	}
	return rows
}

func TestStabilitySeverity(t *testing.T) {
	// Current window std of {50,52,54} is 2.
	window := windowWithPressure(50, 52, 54)

	tests := []struct {
		name        string
		baselineStd float64
		want        models.Severity
	}{
		{"ratio 1 is green", 2.0, models.SeverityGreen},
		{"ratio 1.25 is orange", 1.6, models.SeverityOrange},
		{"ratio 2 is red", 1.0, models.SeverityRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := finalizedStats(52, tt.baselineStd)
			got := stabilitySeverity(models.MetricPressure, window, stats, features.WindowFeatures{})
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("fewer than three samples is unknown", func(t *testing.T) {
		got := stabilitySeverity(models.MetricPressure, windowWithPressure(50, 52), finalizedStats(52, 2), features.WindowFeatures{})
		assert.Equal(t, models.SeverityUnknown, got)
	})

	t.Run("no baseline std is unknown", func(t *testing.T) {
		got := stabilitySeverity(models.MetricPressure, window, nil, features.WindowFeatures{})
		assert.Equal(t, models.SeverityUnknown, got)
	})
}

func TestCombineMLNeverChangesFinal(t *testing.T) {
	// A screaming ML score raises the warning flag but not the severity.
	final, warned := combine(models.SeverityGreen, models.SeverityGreen, 0.99)
	assert.Equal(t, models.SeverityGreen, final)
	assert.True(t, warned)

	final, warned = combine(models.SeverityGreen, models.SeverityGreen, 0.5)
	assert.Equal(t, models.SeverityGreen, final)
	assert.False(t, warned)

	// Stability may raise the rule severity.
	final, _ = combine(models.SeverityGreen, models.SeverityRed, 0)
	assert.Equal(t, models.SeverityRed, final)

	// But never lower it.
	final, _ = combine(models.SeverityRed, models.SeverityGreen, 0)
	assert.Equal(t, models.SeverityRed, final)
}

func TestRiskScore(t *testing.T) {
	score, raw, ok := riskScore(models.SeverityGreen, models.SeverityGreen, models.SeverityGreen, models.SeverityGreen)
	assert.True(t, ok)
	assert.Zero(t, score)
	assert.Zero(t, raw)

	score, raw, ok = riskScore(models.SeverityOrange, models.SeverityOrange, models.SeverityGreen, models.SeverityGreen)
	assert.True(t, ok)
	assert.Equal(t, 50.0, score)
	assert.Equal(t, 50.0, raw)

	// All RED: clamped to 100, raw keeps the 200.
	score, raw, ok = riskScore(models.SeverityRed, models.SeverityRed, models.SeverityRed, models.SeverityRed)
	assert.True(t, ok)
	assert.Equal(t, 100.0, score)
	assert.Equal(t, 200.0, raw)

	_, _, ok = riskScore(models.SeverityUnknown, models.SeverityGreen, models.SeverityGreen, models.SeverityGreen)
	assert.False(t, ok)
}

func TestOverallFromRisk(t *testing.T) {
	assert.Equal(t, models.SeverityGreen, overallFromRisk(0))
	assert.Equal(t, models.SeverityGreen, overallFromRisk(33))
	assert.Equal(t, models.SeverityOrange, overallFromRisk(34))
	assert.Equal(t, models.SeverityOrange, overallFromRisk(66))
	assert.Equal(t, models.SeverityRed, overallFromRisk(67))
	assert.Equal(t, models.SeverityRed, overallFromRisk(100))
}

func TestWearProfile(t *testing.T) {
	assert.Equal(t, 0, wearProfile(models.SeverityGreen, 0))
	assert.Equal(t, 1, wearProfile(models.SeverityOrange, 50))
	assert.Equal(t, 2, wearProfile(models.SeverityRed, 100))
	assert.Equal(t, 3, wearProfile(models.SeverityRed, 175))
	assert.Equal(t, 0, wearProfile(models.SeverityUnknown, 0))
}

func TestRepresentativeStability(t *testing.T) {
	// Pressure stability wins when known.
	s := representativeStability(map[string]models.Severity{
		models.MetricPressure: models.SeverityOrange,
		models.MetricTempAvg:  models.SeverityGreen,
	})
	assert.Equal(t, models.SeverityOrange, s)

	// Otherwise the rounded mean of the known stabilities.
	s = representativeStability(map[string]models.Severity{
		models.MetricPressure: models.SeverityUnknown,
		models.MetricTempAvg:  models.SeverityRed,
		models.MetricTempZone1: models.SeverityGreen,
	})
	assert.Equal(t, models.Severity(1), s)

	assert.Equal(t, models.SeverityUnknown, representativeStability(nil))
}
