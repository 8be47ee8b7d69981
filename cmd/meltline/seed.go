package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meltline/meltline/internal/config"
	"github.com/meltline/meltline/internal/logging"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
)

var seedDemoCmd = &cobra.Command{
	Use:   "seed-demo",
	Short: "Seed a demo extruder with a material profile and scoring bands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return seedDemo()
	},
}

// seedDemo provisions one extruder, its sensor of record and a material
// default profile carrying relative scoring bands and operator messages.
// Running it twice is safe; everything it writes is an upsert.
func seedDemo() error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "seed"})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(cfg.DataPath, "meltline.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	machine := &models.Machine{
		ID:          "extruder-01",
		Name:        "Extruder Line 1",
		Status:      "OFF",
		Criticality: "high",
		Metadata:    map[string]string{models.MetadataKeyMaterial: "PP-GF30"},
	}
	if err := st.UpsertMachine(machine); err != nil {
		return fmt.Errorf("seed machine: %w", err)
	}

	if err := st.UpsertSensor(&models.Sensor{
		ID:        "extruder-01-record",
		MachineID: machine.ID,
		Name:      "Historian snapshot",
		Unit:      "composite",
		IsRecord:  true,
	}); err != nil {
		return fmt.Errorf("seed sensor: %w", err)
	}

	svc := profiles.NewService(st)
	profile, err := svc.ActiveProfile(machine.ID, "PP-GF30")
	if err != nil {
		return err
	}
	if profile == nil {
		profile, err = svc.Create(nil, "PP-GF30", "PP-GF30 default")
		if err != nil {
			return fmt.Errorf("seed profile: %w", err)
		}
	}

	bands := []models.ScoringBand{
		{ProfileID: profile.ID, Metric: models.MetricScrewSpeed, Mode: models.BandModeRel, GreenLimit: 3, OrangeLimit: 5},
		{ProfileID: profile.ID, Metric: models.MetricPressure, Mode: models.BandModeRel, GreenLimit: 3, OrangeLimit: 5},
		{ProfileID: profile.ID, Metric: models.MetricTempAvg, Mode: models.BandModeAbs, GreenLimit: 5, OrangeLimit: 10},
	}
	for _, b := range bands {
		if err := st.UpsertScoringBand(b); err != nil {
			return fmt.Errorf("seed band %s: %w", b.Metric, err)
		}
	}

	templates := []models.MessageTemplate{
		{ProfileID: profile.ID, Metric: models.MetricPressure, Severity: models.SeverityOrange,
			Text: "Melt pressure drifting from baseline, check screen pack for clogging"},
		{ProfileID: profile.ID, Metric: models.MetricPressure, Severity: models.SeverityRed,
			Text: "Melt pressure far outside baseline, inspect screen pack and die"},
		{ProfileID: profile.ID, Metric: models.MetricTempAvg, Severity: models.SeverityOrange,
			Text: "Barrel temperature drifting, verify zone heaters"},
	}
	for _, t := range templates {
		if err := st.UpsertMessageTemplate(t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.Metric, err)
		}
	}

	fmt.Printf("Seeded machine %s with profile %s (%s)\n", machine.ID, profile.ID, profile.Name)
	fmt.Println("Start baseline learning with: POST /api/profiles/" + profile.ID + "/baseline/start")
	return nil
}
