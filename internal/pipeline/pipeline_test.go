package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/evaluation"
	"github.com/meltline/meltline/internal/incidents"
	"github.com/meltline/meltline/internal/machinestate"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
)

func f(v float64) *float64 { return &v }

func newTestPipeline(t *testing.T, aiClient *ai.Client) (*Pipeline, *store.Store, *machinestate.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertMachine(&models.Machine{ID: "extruder-01", Name: "Extruder Line 1", Status: "OFF"}))

	registry := machinestate.NewRegistry(machinestate.Thresholds{}, nil)
	svc := profiles.NewService(st)
	p := New(st, registry, svc, evaluation.New(st, svc), incidents.NewManager(st), aiClient, nil)
	return p, st, registry
}

func offRow(ts time.Time) *models.HistorianRow {
	return &models.HistorianRow{
		Timestamp: ts,
		ScrewRPM:  f(0), PressureBar: f(0),
		TempZone1: f(40), TempZone2: f(41), TempZone3: f(40), TempZone4: f(40),
	}
}

func prodRow(ts time.Time) *models.HistorianRow {
	return &models.HistorianRow{
		Timestamp: ts,
		ScrewRPM:  f(100), PressureBar: f(50),
		TempZone1: f(200), TempZone2: f(202), TempZone3: f(198), TempZone4: f(200),
	}
}

// enterProduction primes the detector so the next qualifying reading is
// classified as an established PRODUCTION state instead of a fresh dwell.
func enterProduction(registry *machinestate.Registry, machineID string, since time.Time) {
	registry.Detector(machineID).Hydrate(&models.StateTransition{
		MachineID:  machineID,
		FromState:  models.StateHeating,
		ToState:    models.StateProduction,
		Confidence: 0.95,
		OccurredAt: since,
	})
}

func TestHandleTickSkipsPredictionOutsideProduction(t *testing.T) {
	p, st, _ := newTestPipeline(t, nil)

	row := offRow(time.Now())
	p.HandleTick(context.Background(), "extruder-01", row, []*models.HistorianRow{row})

	preds, err := st.RecentPredictions("extruder-01", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, preds, "non-PRODUCTION ticks must not persist predictions")

	// The evaluation itself still lands so the dashboard keeps moving.
	result := p.LastResult("extruder-01")
	require.NotNil(t, result)
	assert.False(t, result.Production)
}

func TestHandleTickPersistsPredictionInProduction(t *testing.T) {
	p, st, registry := newTestPipeline(t, nil)
	now := time.Now()
	enterProduction(registry, "extruder-01", now.Add(-10*time.Minute))

	row := prodRow(now)
	p.HandleTick(context.Background(), "extruder-01", row, []*models.HistorianRow{row})

	preds, err := st.RecentPredictions("extruder-01", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "extruder-01", preds[0].MachineID)
	assert.NotEmpty(t, preds[0].ID)
}

func TestPredictRequestCarriesRecordSensor(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","score":0.2}`))
	}))
	defer srv.Close()

	p, st, registry := newTestPipeline(t, ai.NewClient(srv.URL))
	require.NoError(t, st.UpsertSensor(&models.Sensor{
		ID:        "extruder-01-record",
		MachineID: "extruder-01",
		Name:      "Historian snapshot",
		Unit:      "composite",
		IsRecord:  true,
	}))

	now := time.Now()
	enterProduction(registry, "extruder-01", now.Add(-10*time.Minute))
	row := prodRow(now)
	p.HandleTick(context.Background(), "extruder-01", row, []*models.HistorianRow{row})

	require.NotNil(t, got, "the advisory service must have been called")
	assert.Equal(t, "extruder-01-record", got["sensor_id"])
	assert.Equal(t, 50.0, got["value"], "melt pressure is the record sensor's representative value")
}
