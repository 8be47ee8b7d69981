package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/models"
)

func f(v float64) *float64 { return &v }

func row(ts time.Time, rpm, pressure float64, temps ...float64) *models.HistorianRow {
	r := &models.HistorianRow{
		Timestamp:   ts,
		ScrewRPM:    f(rpm),
		PressureBar: f(pressure),
	}
	if len(temps) > 0 {
		r.TempZone1 = f(temps[0])
	}
	if len(temps) > 1 {
		r.TempZone2 = f(temps[1])
	}
	if len(temps) > 2 {
		r.TempZone3 = f(temps[2])
	}
	if len(temps) > 3 {
		r.TempZone4 = f(temps[3])
	}
	return r
}

func TestTempAggregates(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		row        *models.HistorianRow
		wantAvg    float64
		wantSpread float64
	}{
		{
			name:       "four zones",
			row:        row(base, 100, 50, 200, 204, 198, 202),
			wantAvg:    201,
			wantSpread: 6,
		},
		{
			name:       "two zones",
			row:        row(base, 100, 50, 190, 210),
			wantAvg:    200,
			wantSpread: 20,
		},
		{
			name:       "single zone has no spread",
			row:        row(base, 100, 50, 200),
			wantAvg:    200,
			wantSpread: 0,
		},
		{
			name:       "no zones",
			row:        row(base, 100, 50),
			wantAvg:    0,
			wantSpread: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantAvg, TempAvg(tt.row), 1e-9)
			assert.InDelta(t, tt.wantSpread, TempSpread(tt.row), 1e-9)
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	window := []*models.HistorianRow{
		row(base, 100, 50, 200, 202, 198, 200),
		row(base.Add(5*time.Second), 101, 51, 201, 203, 199, 201),
		row(base.Add(10*time.Second), 102, 52, 202, 204, 200, 202),
	}

	a := Compute(window)
	b := Compute(window)
	assert.Equal(t, a, b)

	assert.Equal(t, 3, a.Count)
	assert.InDelta(t, 202, a.Metrics[models.MetricTempZone1].Last, 1e-9)
	assert.InDelta(t, 1, a.Metrics[models.MetricScrewSpeed].DeltaPrev, 1e-9)
	// Perfectly co-moving series correlate at 1.
	assert.InDelta(t, 1, a.Correlations["rpm_pressure"], 1e-9)
}

func TestComputeEmptyWindow(t *testing.T) {
	wf := Compute(nil)
	assert.Equal(t, 0, wf.Count)
	assert.Empty(t, wf.Metrics)
}

func TestComputeShortWindowCorrelationsNeutral(t *testing.T) {
	base := time.Now()
	window := []*models.HistorianRow{
		row(base, 100, 50, 200, 202),
		row(base.Add(5*time.Second), 110, 55, 200, 202),
	}
	wf := Compute(window)
	assert.Zero(t, wf.Correlations["rpm_pressure"])
	assert.Zero(t, wf.Correlations["pressure_temp"])
}

func TestTempSlope(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	// Sample 5.5 minutes old at 200°C, current at 211°C: +2°C/min.
	window := []*models.HistorianRow{
		row(base, 10, 5, 200, 200),
		row(base.Add(330*time.Second), 10, 5, 211, 211),
	}
	wf := Compute(window)
	assert.InDelta(t, 2.0, wf.TempSlope, 1e-9)
}

func TestTempSlopeNoBackSamples(t *testing.T) {
	base := time.Now()
	window := []*models.HistorianRow{
		row(base, 10, 5, 200, 200),
		row(base.Add(30*time.Second), 10, 5, 210, 210),
	}
	wf := Compute(window)
	assert.Zero(t, wf.TempSlope)
}

func TestPearsonDegenerate(t *testing.T) {
	assert.Zero(t, pearson([]float64{1, 2}, []float64{2, 4}))
	assert.Zero(t, pearson([]float64{5, 5, 5}, []float64{1, 2, 3}))
	assert.InDelta(t, -1, pearson([]float64{1, 2, 3}, []float64{3, 2, 1}), 1e-9)
}

func TestSanitize(t *testing.T) {
	assert.Zero(t, sanitize(math.NaN()))
	assert.Equal(t, 10.0, sanitize(math.Inf(1)))
	assert.Equal(t, -10.0, sanitize(math.Inf(-1)))
	assert.Equal(t, 1.5, sanitize(1.5))
}

func TestStdOverWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("needs three samples", func(t *testing.T) {
		window := []*models.HistorianRow{
			row(base, 100, 50, 200, 200),
			row(base.Add(5*time.Second), 101, 51, 200, 200),
		}
		_, ok := StdOverWindow(window, models.MetricPressure, 600)
		assert.False(t, ok)
	})

	t.Run("excludes rows older than span", func(t *testing.T) {
		window := []*models.HistorianRow{
			row(base, 100, 999, 200, 200), // 11 min old, outside span
			row(base.Add(11*time.Minute), 100, 50, 200, 200),
			row(base.Add(11*time.Minute+5*time.Second), 100, 52, 200, 200),
			row(base.Add(11*time.Minute+10*time.Second), 100, 54, 200, 200),
		}
		std, ok := StdOverWindow(window, models.MetricPressure, 600)
		require.True(t, ok)
		assert.InDelta(t, 2.0, std, 1e-9)
	})
}

func TestMetricValue(t *testing.T) {
	base := time.Now()
	r := row(base, 120, 80, 200, 204, 198, 202)

	v, ok := MetricValue(r, models.MetricScrewSpeed)
	require.True(t, ok)
	assert.Equal(t, 120.0, v)

	v, ok = MetricValue(r, models.MetricTempSpread)
	require.True(t, ok)
	assert.Equal(t, 6.0, v)

	_, ok = MetricValue(&models.HistorianRow{Timestamp: base}, models.MetricPressure)
	assert.False(t, ok)
}
