// Package store provides the relational persistence layer for the
// meltline core using SQLite. One table per entity; baseline samples are
// transient and deleted on finalize; predictions and state transitions are
// append-only.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and initializes the
// schema. Pass ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// WAL mode for concurrent readers; SQLite works best with one writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Store initialized")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			criticality TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sensors (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			warn_limit REAL,
			critical_limit REAL,
			is_record INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sensors_machine ON sensors(machine_id);

		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			machine_id TEXT REFERENCES machines(id) ON DELETE CASCADE,
			material_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			baseline_learning INTEGER NOT NULL DEFAULT 0,
			baseline_ready INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		-- at most one active profile per (machine, material); SQLite treats
		-- NULLs as distinct so the material default gets its own slot
		CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_active
		ON profiles(ifnull(machine_id, ''), material_id) WHERE is_active = 1;

		CREATE TABLE IF NOT EXISTS baseline_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_samples_profile_metric
		ON baseline_samples(profile_id, metric);

		CREATE TABLE IF NOT EXISTS baseline_stats (
			profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			mean REAL,
			std REAL,
			p05 REAL,
			p95 REAL,
			sample_count INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (profile_id, metric)
		);

		CREATE TABLE IF NOT EXISTS scoring_bands (
			profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			mode TEXT NOT NULL,
			green_limit REAL NOT NULL,
			orange_limit REAL NOT NULL,
			PRIMARY KEY (profile_id, metric)
		);

		CREATE TABLE IF NOT EXISTS message_templates (
			profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			severity INTEGER NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (profile_id, metric, severity)
		);

		CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			sensor_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			predicted_label TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			anomaly_type TEXT NOT NULL DEFAULT '',
			model_version TEXT NOT NULL DEFAULT '',
			rul REAL,
			response_time_ms REAL,
			contributing_features TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_predictions_machine_time
		ON predictions(machine_id, timestamp);

		CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			sensor_id TEXT NOT NULL DEFAULT '',
			prediction_id TEXT,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			incident_key TEXT NOT NULL DEFAULT '',
			triggered_at INTEGER NOT NULL,
			resolved_at INTEGER,
			resolve_note TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_alarms_machine ON alarms(machine_id, status);
		CREATE INDEX IF NOT EXISTS idx_alarms_incident ON alarms(incident_key);

		CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			alarm_id TEXT NOT NULL REFERENCES alarms(id) ON DELETE CASCADE,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			incident_key TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_incident ON tickets(incident_key);

		CREATE TABLE IF NOT EXISTS state_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			occurred_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_machine
		ON state_transitions(machine_id, occurred_at);

		CREATE TABLE IF NOT EXISTS state_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			state TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'string',
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	return nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
