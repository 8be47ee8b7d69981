package evaluation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *store.Store, *profiles.Service) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := profiles.NewService(st)
	return New(st, svc), st, svc
}

func steadyRow(ts time.Time) *models.HistorianRow {
	return &models.HistorianRow{
		Timestamp:   ts,
		ScrewRPM:    f(80),
		PressureBar: f(120),
		TempZone1:   f(210),
		TempZone2:   f(212),
		TempZone3:   f(209),
		TempZone4:   f(211),
	}
}

func steadyWindow(n int) []*models.HistorianRow {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := make([]*models.HistorianRow, n)
	for i := 0; i < n; i++ {
		rows[i] = steadyRow(base.Add(time.Duration(i) * 5 * time.Second))
	}
	return rows
}

func productionInput(window []*models.HistorianRow) Input {
	row := window[len(window)-1]
	return Input{
		MachineID:  "extruder-01",
		MaterialID: "PP-GF30",
		Row:        row,
		Window:     window,
		Features:   features.Compute(window),
		State: models.MachineStateInfo{
			MachineID: "extruder-01",
			State:     models.StateProduction,
		},
	}
}

func seedReadyProfile(t *testing.T, st *store.Store, svc *profiles.Service) *models.Profile {
	t.Helper()
	profile, err := svc.Create(nil, "PP-GF30", "default")
	require.NoError(t, err)

	stats := []models.BaselineStats{
		{ProfileID: profile.ID, Metric: models.MetricScrewSpeed, Mean: f(80), Std: f(1), P05: f(78), P95: f(82), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricPressure, Mean: f(120), Std: f(2), P05: f(116), P95: f(124), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempZone1, Mean: f(210), Std: f(1), P05: f(208), P95: f(212), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempZone2, Mean: f(212), Std: f(1), P05: f(210), P95: f(214), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempZone3, Mean: f(209), Std: f(1), P05: f(207), P95: f(211), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempZone4, Mean: f(211), Std: f(1), P05: f(209), P95: f(213), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempAvg, Mean: f(210.5), Std: f(0.5), P05: f(209.5), P95: f(211.5), SampleCount: 200},
		{ProfileID: profile.ID, Metric: models.MetricTempSpread, Mean: f(3), Std: f(0.5), P05: f(2), P95: f(4), SampleCount: 200},
	}
	require.NoError(t, st.StartBaselineLearning(profile.ID))
	require.NoError(t, st.FinalizeBaseline(profile.ID, stats))
	profile.BaselineLearning = false
	profile.BaselineReady = true
	return profile
}

func TestEvaluateOutsideProductionIsNeutral(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)

	window := steadyWindow(5)
	in := productionInput(window)
	in.State.State = models.StateHeating

	res, err := ev.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, res.Production)
	assert.Equal(t, models.SeverityUnknown, res.Overall)
	assert.Nil(t, res.RiskScore)
	assert.Zero(t, res.WearProfile)

	// Temperature aggregates are still reported for dashboards.
	require.Contains(t, res.Metrics, models.MetricTempAvg)
	require.Contains(t, res.Metrics, models.MetricTempSpread)
	assert.InDelta(t, 210.5, res.Metrics[models.MetricTempAvg].Value, 1e-9)
	assert.Equal(t, models.SeverityUnknown, res.Metrics[models.MetricTempAvg].Final)
}

func TestEvaluateSteadyProductionIsGreen(t *testing.T) {
	ev, st, svc := newTestEvaluator(t)
	seedReadyProfile(t, st, svc)

	res, err := ev.Evaluate(productionInput(steadyWindow(10)))
	require.NoError(t, err)

	assert.True(t, res.Production)
	assert.Equal(t, models.SeverityGreen, res.Overall)
	require.NotNil(t, res.RiskScore)
	assert.Zero(t, *res.RiskScore)
	assert.Equal(t, "Process stable", res.StatusText)
	assert.Zero(t, res.WearProfile)
	assert.False(t, res.MLWarning)
}

func TestEvaluatePressureDeviation(t *testing.T) {
	ev, st, svc := newTestEvaluator(t)
	profile := seedReadyProfile(t, st, svc)
	require.NoError(t, st.UpsertScoringBand(models.ScoringBand{
		ProfileID: profile.ID, Metric: models.MetricPressure,
		Mode: models.BandModeRel, GreenLimit: 3, OrangeLimit: 5,
	}))

	// The whole window settled 10 % above the 120 baseline: the rule step
	// trips while the stability step stays green.
	window := steadyWindow(10)
	for _, row := range window {
		row.PressureBar = f(132)
	}

	res, err := ev.Evaluate(productionInput(window))
	require.NoError(t, err)

	assert.Equal(t, models.SeverityRed, res.Metrics[models.MetricPressure].Rule)
	assert.Equal(t, models.SeverityGreen, res.Metrics[models.MetricPressure].Stability)
	require.NotNil(t, res.RiskScore)
	assert.Equal(t, 50.0, *res.RiskScore)
	assert.Equal(t, models.SeverityOrange, res.Overall)
	assert.Equal(t, "Process drifting from baseline", res.StatusText)
	assert.Equal(t, 1, res.WearProfile)
}

func TestEvaluateMLWarningNeverChangesSeverity(t *testing.T) {
	ev, st, svc := newTestEvaluator(t)
	seedReadyProfile(t, st, svc)

	in := productionInput(steadyWindow(10))
	in.ML = ai.Prediction{
		Status: "ok",
		Score:  0.95,
		ContributingFeatures: map[string]float64{
			models.MetricPressure: 0.9,
		},
	}

	res, err := ev.Evaluate(in)
	require.NoError(t, err)

	// The ML signal flags, it never scores.
	assert.True(t, res.MLWarning)
	assert.True(t, res.Metrics[models.MetricPressure].MLWarning)
	assert.Equal(t, models.SeverityGreen, res.Metrics[models.MetricPressure].Final)
	assert.Equal(t, models.SeverityGreen, res.Overall)
}

func TestEvaluateWithoutProfileFallsBack(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)

	res, err := ev.Evaluate(productionInput(steadyWindow(10)))
	require.NoError(t, err)

	// No baseline at all: z-score against the window still yields
	// severities for metrics with in-window variance; a perfectly flat
	// window leaves them at GREEN via zero deviation or UNKNOWN.
	assert.Empty(t, res.ProfileID)
	assert.False(t, res.Learning)
	assert.NotEqual(t, models.SeverityRed, res.Overall)
}
