package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/config"
	"github.com/meltline/meltline/internal/evaluation"
	"github.com/meltline/meltline/internal/incidents"
	"github.com/meltline/meltline/internal/machinestate"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/pipeline"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
)

func newTestRouter(t *testing.T, cfg *config.Config) (http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := machinestate.NewRegistry(machinestate.Thresholds{}, st)
	svc := profiles.NewService(st)
	pipe := pipeline.New(st, registry, svc, evaluation.New(st, svc), incidents.NewManager(st), nil, nil)

	return NewRouter(Deps{
		Config:   cfg,
		Store:    st,
		Pipeline: pipe,
		Registry: registry,
		Profiles: svc,
	}), st
}

func doRequest(h http.Handler, method, path, role string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set("X-Auth-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireRoleRanking(t *testing.T) {
	called := false
	h := RequireRole(RoleEngineer, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		role string
		want int
	}{
		{"", http.StatusForbidden},
		{"viewer", http.StatusForbidden},
		{RoleOperator, http.StatusForbidden},
		{RoleEngineer, http.StatusOK},
		{RoleAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/api/profiles", nil)
		if tt.role != "" {
			req.Header.Set("X-Auth-Role", tt.role)
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		assert.Equal(t, tt.want, rec.Code, "role=%q", tt.role)
		assert.Equal(t, tt.want == http.StatusOK, called, "role=%q", tt.role)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, &config.Config{})

	rec := doRequest(h, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "disabled", body["aiService"])
}

func TestMachineEndpoints(t *testing.T) {
	h, st := newTestRouter(t, &config.Config{})
	require.NoError(t, st.UpsertMachine(&models.Machine{ID: "extruder-01", Name: "Extruder 1", Status: "OFF"}))

	rec := doRequest(h, http.MethodGet, "/api/machines", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var machines []models.Machine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "extruder-01", machines[0].ID)

	rec = doRequest(h, http.MethodGet, "/api/machines/extruder-01", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/machines/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t, &config.Config{})

	// Creation needs the engineer role.
	payload := map[string]string{"materialId": "PP-GF30", "name": "default"}
	rec := doRequest(h, http.MethodPost, "/api/profiles", RoleOperator, payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(h, http.MethodPost, "/api/profiles", RoleEngineer, payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	var profile models.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	require.NotEmpty(t, profile.ID)

	// A second active profile for the same material conflicts.
	rec = doRequest(h, http.MethodPost, "/api/profiles", RoleEngineer, payload)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(h, http.MethodPost, "/api/profiles/"+profile.ID+"/baseline/start", RoleEngineer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Finalizing without samples is rejected.
	rec = doRequest(h, http.MethodPost, "/api/profiles/"+profile.ID+"/baseline/finalize", RoleEngineer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/profiles/"+profile.ID, RoleEngineer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Contains(t, detail, "profile")
	assert.Contains(t, detail, "baseline")
	assert.Contains(t, detail, "bands")
}

func TestAlarmWorkflowOverHTTP(t *testing.T) {
	h, st := newTestRouter(t, &config.Config{})
	require.NoError(t, st.UpsertMachine(&models.Machine{ID: "m1", Name: "m1", Status: "PRODUCTION"}))

	alarm := &models.Alarm{
		ID: "a1", MachineID: "m1",
		Severity: models.AlarmWarning, Status: models.AlarmOpen,
		Message:  "Early wear indicators on m1",
		Metadata: map[string]string{models.MetadataKeyIncident: "m1:profile1:early_wear"},
	}
	created, err := st.CreateAlarmIfAbsent(alarm, store.DedupWhileOpen, 0)
	require.NoError(t, err)
	require.True(t, created)

	rec := doRequest(h, http.MethodGet, "/api/alarms?machine=m1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alarms []models.Alarm
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alarms))
	require.Len(t, alarms, 1)

	// Resolving needs at least the operator role.
	rec = doRequest(h, http.MethodPost, "/api/alarms/a1/resolve", "", map[string]string{"note": "fixed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(h, http.MethodPost, "/api/alarms/a1/resolve", RoleOperator, map[string]string{"note": "fixed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/alarms?machine=m1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alarms = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alarms))
	assert.Empty(t, alarms)
}

func TestSystemResetGuard(t *testing.T) {
	h, _ := newTestRouter(t, &config.Config{})

	// Disabled by default, even for admins.
	rec := doRequest(h, http.MethodPost, "/api/system/reset", RoleAdmin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h, _ = newTestRouter(t, &config.Config{AllowPublicSystemReset: true})
	rec = doRequest(h, http.MethodPost, "/api/system/reset", RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "role check still applies")

	rec = doRequest(h, http.MethodPost, "/api/system/reset", RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
