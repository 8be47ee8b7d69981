package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports component health: the SQLite store, each historian
// poller, the advisory service and the websocket hub.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := http.StatusOK
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if err := r.store.Ping(); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["store"] = "ok"
	}

	if r.pollers != nil {
		health["historian"] = r.pollers()
	}

	if r.ai != nil && r.ai.Configured() {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.ai.Health(ctx); err != nil {
			health["aiService"] = err.Error()
		} else {
			health["aiService"] = "ok"
		}
	} else {
		health["aiService"] = "disabled"
	}

	if r.wsHub != nil {
		health["wsClients"] = r.wsHub.ClientCount()
	}

	writeJSON(w, status, health)
}

// handleStatus returns the latest evaluation and state per machine.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, r.pipeline.Snapshot())
}

func (r *Router) handleMachines(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	machines, err := r.store.ListMachines()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

// handleMachineDetail serves GET /api/machines/{id}: the machine record,
// its detector state, latest evaluation, open alarms, tickets and recent
// state transitions.
func (r *Router) handleMachineDetail(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	machineID := strings.TrimPrefix(req.URL.Path, "/api/machines/")
	if machineID == "" || strings.Contains(machineID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	machine, err := r.store.GetMachine(machineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}

	alarms, err := r.store.OpenAlarms(machineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tickets, err := r.store.TicketsForMachine(machineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	transitions, err := r.store.RecentStateTransitions(machineID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine":     machine,
		"state":       r.registry.Detector(machineID).Current(time.Now()),
		"evaluation":  r.pipeline.LastResult(machineID),
		"alarms":      alarms,
		"tickets":     tickets,
		"transitions": transitions,
	})
}

type createProfileRequest struct {
	MachineID  *string `json:"machineId"`
	MaterialID string  `json:"materialId"`
	Name       string  `json:"name"`
}

func (r *Router) handleProfiles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body createProfileRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.MaterialID == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "materialId and name are required")
		return
	}
	profile, err := r.profiles.Create(body.MachineID, body.MaterialID, body.Name)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// handleProfileOps serves GET /api/profiles/{id} and the baseline
// lifecycle POSTs under /api/profiles/{id}/baseline/...
func (r *Router) handleProfileOps(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/profiles/")
	parts := strings.Split(rest, "/")
	profileID := parts[0]
	if profileID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.serveProfile(w, profileID)
		return
	}

	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	op := strings.Join(parts[1:], "/")
	var err error
	switch op {
	case "baseline/start":
		err = r.profiles.StartBaselineLearning(profileID)
	case "baseline/finalize":
		err = r.profiles.FinalizeBaseline(profileID)
	case "baseline/reset":
		err = r.profiles.ResetBaseline(profileID)
	case "retrain":
		err = r.profiles.TriggerRetrain(profileID)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) serveProfile(w http.ResponseWriter, profileID string) {
	profile, err := r.store.GetProfile(profileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	stats, err := r.profiles.BaselineStats(profileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bands, err := r.profiles.ScoringBands(profileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile":  profile,
		"baseline": stats,
		"bands":    bands,
	})
}

func (r *Router) handleAlarms(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	alarms, err := r.store.OpenAlarms(req.URL.Query().Get("machine"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alarms)
}

type alarmOpRequest struct {
	Note string `json:"note"`
}

// handleAlarmOps serves POST /api/alarms/{id}/resolve and .../acknowledge.
func (r *Router) handleAlarmOps(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/alarms/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	alarmID, op := parts[0], parts[1]

	var body alarmOpRequest
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	var err error
	switch op {
	case "resolve":
		err = r.store.ResolveAlarm(alarmID, body.Note)
	case "acknowledge":
		err = r.store.AcknowledgeAlarm(alarmID)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSystemReset wipes alarms, tickets and in-memory pipeline state.
// It is disabled unless explicitly allowed in the environment.
func (r *Router) handleSystemReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.config.AllowPublicSystemReset {
		writeError(w, http.StatusForbidden, "system reset is disabled")
		return
	}

	if err := r.store.PurgeIncidentState(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.pipeline.Reset()
	r.registry.Reset()
	log.Warn().Str("remote", req.RemoteAddr).Msg("Incident state purged via system reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
