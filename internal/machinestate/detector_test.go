package machinestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/models"
)

func f(v float64) *float64 { return &v }

func prodReading(ts time.Time) Reading {
	return Reading{
		Timestamp: ts,
		RPM:       f(80),
		Pressure:  f(120),
		TempZones: []float64{210, 212, 208, 210},
		TempAvg:   210,
	}
}

func idleReading(ts time.Time) Reading {
	return Reading{
		Timestamp: ts,
		RPM:       f(0),
		Pressure:  f(0.5),
		TempZones: []float64{200, 202},
		TempAvg:   201,
		TempSlope: 0,
	}
}

func offReading(ts time.Time) Reading {
	return Reading{
		Timestamp: ts,
		RPM:       f(0),
		Pressure:  f(0),
		TempZones: []float64{22, 23},
		TempAvg:   22.5,
	}
}

// feed advances the detector with one reading per interval and returns the
// final state.
func feed(d *Detector, start time.Time, count int, interval time.Duration, mk func(time.Time) Reading) (models.MachineStateInfo, time.Time) {
	var info models.MachineStateInfo
	now := start
	for i := 0; i < count; i++ {
		info, _ = d.Update(mk(now), now)
		now = now.Add(interval)
	}
	return info, now
}

func TestClassifyRules(t *testing.T) {
	d := NewDetector("m1", Thresholds{})

	tests := []struct {
		name  string
		r     Reading
		want  models.MachineState
		fault bool
	}{
		{"production primary", prodReading(time.Now()), models.StateProduction, false},
		{"off cold", offReading(time.Now()), models.StateOff, false},
		{
			"heating",
			Reading{RPM: f(0), Pressure: f(0.2), TempZones: []float64{120, 122}, TempAvg: 121, TempSlope: 1.5},
			models.StateHeating, false,
		},
		{
			"cooling",
			Reading{RPM: f(0), Pressure: f(0.2), TempZones: []float64{180, 182}, TempAvg: 181, TempSlope: -1.0},
			models.StateCooling, false,
		},
		{"idle hot flat", idleReading(time.Now()), models.StateIdle, false},
		{
			"missing rpm is a fault",
			Reading{Pressure: f(10), TempZones: []float64{200, 202}, TempAvg: 201},
			models.StateOff, true,
		},
		{
			"impossible zone temp is a fault",
			Reading{RPM: f(0), Pressure: f(0), TempZones: []float64{500, 200}, TempAvg: 350},
			models.StateOff, true,
		},
		{
			"spinning with zero pressure is a fault",
			Reading{RPM: f(80), Pressure: f(0), TempZones: []float64{210, 210}, TempAvg: 210},
			models.StateOff, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, fault := d.classify(tt.r)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.fault, fault)
		})
	}
}

func TestProductionEntryNeedsDwellAndStreak(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 5 qualifying samples over 40 s: not enough dwell, state holds OFF.
	info, now := feed(d, base, 5, 10*time.Second, prodReading)
	assert.Equal(t, models.StateOff, info.State)

	// Keep qualifying: after the 90 s dwell and a 10-sample streak the
	// detector commits to PRODUCTION.
	info, _ = feed(d, now, 8, 10*time.Second, prodReading)
	assert.Equal(t, models.StateProduction, info.State)
}

func TestProductionExitHoldsForDwell(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, now := feed(d, base, 15, 10*time.Second, prodReading)
	require.Equal(t, models.StateProduction, d.Current(now).State)

	// A 60 s dip does not leave PRODUCTION (exit dwell is 120 s).
	info, now := feed(d, now, 6, 10*time.Second, idleReading)
	assert.Equal(t, models.StateProduction, info.State)

	// Past the exit dwell the dip wins.
	info, _ = feed(d, now, 8, 10*time.Second, idleReading)
	assert.Equal(t, models.StateIdle, info.State)
}

func TestGenericDebounce(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, now := feed(d, base, 8, 10*time.Second, idleReading)
	require.Equal(t, models.StateIdle, d.Current(now).State)

	// 30 s of OFF readings: below the 60 s debounce, IDLE holds.
	info, now := feed(d, now, 3, 10*time.Second, offReading)
	assert.Equal(t, models.StateIdle, info.State)

	// Past the debounce the transition lands.
	var transition *models.StateTransition
	for i := 0; i < 5; i++ {
		_, tr := d.Update(offReading(now), now)
		if tr != nil {
			transition = tr
		}
		now = now.Add(10 * time.Second)
	}
	require.NotNil(t, transition)
	assert.Equal(t, models.StateIdle, transition.FromState)
	assert.Equal(t, models.StateOff, transition.ToState)
}

func TestStaleDowngradesToOff(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, now := feed(d, base, 15, 10*time.Second, prodReading)
	require.Equal(t, models.StateProduction, d.Current(now).State)

	stale := d.Current(now.Add(6 * time.Minute))
	assert.Equal(t, models.StateOff, stale.State)
	assert.Equal(t, 0.2, stale.Confidence)
	assert.Contains(t, stale.Flags, models.FlagStale)
}

func TestFarFutureReadingIsSensorFault(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	r := prodReading(now.Add(25 * time.Hour))
	info, _ := d.Update(r, now)
	assert.Equal(t, models.StateOff, info.State)
	assert.Contains(t, info.Flags, models.FlagSensorFault)
}

func TestHydrateResumesState(t *testing.T) {
	d := NewDetector("m1", Thresholds{})
	occurred := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	d.Hydrate(&models.StateTransition{
		MachineID:  "m1",
		FromState:  models.StateHeating,
		ToState:    models.StateProduction,
		Confidence: 0.95,
		OccurredAt: occurred,
	})

	info := d.Current(occurred.Add(time.Minute))
	assert.Equal(t, models.StateProduction, info.State)
	assert.Equal(t, 0.95, info.Confidence)
}

func TestRegistryCreatesAndResets(t *testing.T) {
	r := NewRegistry(Thresholds{}, nil)

	d1 := r.Detector("m1")
	assert.Same(t, d1, r.Detector("m1"))

	now := time.Now()
	d1.Update(prodReading(now), now)
	states := r.States(now)
	require.Contains(t, states, "m1")

	r.Reset()
	assert.Empty(t, r.States(now))
	assert.NotSame(t, d1, r.Detector("m1"))
}
