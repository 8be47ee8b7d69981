package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/api"
	"github.com/meltline/meltline/internal/config"
	"github.com/meltline/meltline/internal/evaluation"
	"github.com/meltline/meltline/internal/historian"
	"github.com/meltline/meltline/internal/incidents"
	"github.com/meltline/meltline/internal/logging"
	"github.com/meltline/meltline/internal/machinestate"
	"github.com/meltline/meltline/internal/pipeline"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
	"github.com/meltline/meltline/internal/websocket"
)

func runServer() {
	// Baseline logger for early startup, re-initialized from config below.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "meltline",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "meltline",
	})

	log.Info().Str("version", Version).Msg("Starting Meltline server")

	st, err := store.Open(filepath.Join(cfg.DataPath, "meltline.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	machines, err := st.ListMachines()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list machines")
	}

	if cfg.CleanSlateOnStartup {
		log.Warn().Msg("CLEAN_SLATE_ON_STARTUP set, purging incident state and high-water marks")
		if err := st.PurgeIncidentState(); err != nil {
			log.Fatal().Err(err).Msg("Failed to purge incident state")
		}
		for _, m := range machines {
			if err := st.ClearHighWaterMark(m.ID); err != nil {
				log.Warn().Err(err).Str("machine", m.ID).Msg("Failed to clear high-water mark")
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := newMetricsServer(fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.MetricsPort))

	wsHub := websocket.NewHub(nil)
	go wsHub.Run()

	registry := machinestate.NewRegistry(machinestate.Thresholds{}, st)
	profileSvc := profiles.NewService(st)
	evaluator := evaluation.New(st, profileSvc)
	incidentMgr := incidents.NewManager(st)
	aiClient := ai.NewClient(cfg.AIServiceURL)

	pipe := pipeline.New(st, registry, profileSvc, evaluator, incidentMgr, aiClient, wsHub)
	wsHub.SetSnapshot(pipe.Snapshot)

	if len(machines) == 0 {
		log.Warn().Msg("No machines registered, historian polling idle until one is seeded")
	}
	pollers := make(map[string]*historian.Poller, len(machines))
	for _, m := range machines {
		p := historian.NewPoller(m.ID, cfg.Historian.Enabled, cfg.Historian, st, pipe)
		p.Start(ctx)
		pollers[m.ID] = p
	}

	watcher, err := config.NewWatcher(".env", func() {
		log.Info().Msg("Environment file changed, requesting poller reloads")
		for _, p := range pollers {
			p.RequestReload()
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, .env changes require restart")
	} else {
		go watcher.Run(ctx)
	}

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Store:    st,
		Pipeline: pipe,
		Registry: registry,
		Profiles: profileSvc,
		Pollers: func() map[string]historian.Status {
			statuses := make(map[string]historian.Status, len(pollers))
			for id, p := range pollers {
				statuses[id] = p.Status()
			}
			return statuses
		},
		AI:    aiClient,
		WSHub: wsHub,
	})

	// ReadHeaderTimeout instead of ReadTimeout so upgraded websocket
	// connections are not killed by a request deadline.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("host", cfg.BackendHost).Int("port", cfg.BackendPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", metricsSrv.Addr).Msg("Metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown incomplete")
		}
		for _, p := range pollers {
			p.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}
