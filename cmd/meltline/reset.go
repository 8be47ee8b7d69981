package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meltline/meltline/internal/config"
	"github.com/meltline/meltline/internal/logging"
	"github.com/meltline/meltline/internal/store"
)

var resetConfirmed bool

var resetStateCmd = &cobra.Command{
	Use:   "reset-state",
	Short: "Wipe alarms, tickets and historian high-water marks",
	Long:  `Deletes all alarms and tickets and clears every machine's high-water mark so the next poll cold-starts. Baselines and profiles are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return fmt.Errorf("refusing to wipe state without --yes")
		}
		return resetState()
	},
}

func init() {
	resetStateCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm the destructive reset")
}

func resetState() error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "reset"})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(cfg.DataPath, "meltline.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PurgeIncidentState(); err != nil {
		return fmt.Errorf("purge incident state: %w", err)
	}

	machines, err := st.ListMachines()
	if err != nil {
		return err
	}
	for _, m := range machines {
		if err := st.ClearHighWaterMark(m.ID); err != nil {
			return fmt.Errorf("clear high-water mark for %s: %w", m.ID, err)
		}
	}

	fmt.Printf("Reset complete: incident state purged, %d high-water marks cleared\n", len(machines))
	return nil
}
