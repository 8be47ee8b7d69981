// Package api is the HTTP surface: health and status views, profile and
// baseline lifecycle operations, alarm workflow and the websocket
// endpoint for dashboards.
package api

import (
	"net/http"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/config"
	"github.com/meltline/meltline/internal/historian"
	"github.com/meltline/meltline/internal/machinestate"
	"github.com/meltline/meltline/internal/pipeline"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
	"github.com/meltline/meltline/internal/websocket"
)

// Router handles HTTP routing.
type Router struct {
	mux      *http.ServeMux
	config   *config.Config
	store    *store.Store
	pipeline *pipeline.Pipeline
	registry *machinestate.Registry
	profiles *profiles.Service
	pollers  func() map[string]historian.Status
	ai       *ai.Client
	wsHub    *websocket.Hub
}

// Deps carries the router's collaborators.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Registry *machinestate.Registry
	Profiles *profiles.Service
	Pollers  func() map[string]historian.Status
	AI       *ai.Client
	WSHub    *websocket.Hub
}

// NewRouter creates the router and wires all routes.
func NewRouter(d Deps) http.Handler {
	r := &Router{
		mux:      http.NewServeMux(),
		config:   d.Config,
		store:    d.Store,
		pipeline: d.Pipeline,
		registry: d.Registry,
		profiles: d.Profiles,
		pollers:  d.Pollers,
		ai:       d.AI,
		wsHub:    d.WSHub,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/status", r.handleStatus)

	r.mux.HandleFunc("/api/machines", r.handleMachines)
	r.mux.HandleFunc("/api/machines/", r.handleMachineDetail)

	r.mux.HandleFunc("/api/profiles", RequireRole(RoleEngineer, r.handleProfiles))
	r.mux.HandleFunc("/api/profiles/", RequireRole(RoleEngineer, r.handleProfileOps))

	r.mux.HandleFunc("/api/alarms", r.handleAlarms)
	r.mux.HandleFunc("/api/alarms/", RequireRole(RoleOperator, r.handleAlarmOps))

	r.mux.HandleFunc("/api/system/reset", RequireRole(RoleAdmin, r.handleSystemReset))

	r.mux.HandleFunc("/ws", r.handleWebSocket)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	r.wsHub.HandleWebSocket(w, req)
}
