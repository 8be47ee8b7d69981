// Package config loads meltline configuration from the environment.
//
// Configuration sources, lowest to highest precedence:
//   - .env file in the working directory (via godotenv)
//   - process environment
//   - the runtime settings store key "connections.mssql", re-read by the
//     poller at most every 30 s (handled in the historian package)
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	MetricsPort int
	DataPath    string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Historian connection (environment defaults; the settings store wins)
	Historian HistorianConfig

	// AI inference service
	AIServiceURL string

	// Administrative toggles
	CleanSlateOnStartup    bool
	AllowPublicSystemReset bool
}

// HistorianConfig describes the external MSSQL process historian. The JSON
// tags match the settings-store blob stored under "connections.mssql".
type HistorianConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	User            string `json:"user"`
	Password        string `json:"password"`
	Database        string `json:"database"`
	Schema          string `json:"schema"`
	Table           string `json:"table"`
	TimestampColumn string `json:"timestampColumn"`
	RPMColumn       string `json:"rpmColumn"`
	PressureColumn  string `json:"pressureColumn"`
	TempColumn1     string `json:"tempColumn1"`
	TempColumn2     string `json:"tempColumn2"`
	TempColumn3     string `json:"tempColumn3"`
	TempColumn4     string `json:"tempColumn4"`

	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	WindowMinutes       int `json:"windowMinutes"`
	MaxRowsPerPoll      int `json:"maxRowsPerPoll"`
}

// PollInterval returns the tick interval with the 60 s default applied.
func (h HistorianConfig) PollInterval() time.Duration {
	if h.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.PollIntervalSeconds) * time.Second
}

// Window returns the rolling-window span with the 10 min default applied.
func (h HistorianConfig) Window() time.Duration {
	if h.WindowMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(h.WindowMinutes) * time.Minute
}

// RowCap returns the per-poll row cap with the default applied.
func (h HistorianConfig) RowCap() int {
	if h.MaxRowsPerPoll <= 0 {
		return 1000
	}
	return h.MaxRowsPerPoll
}

// ValueColumns returns the six configured value columns in channel order.
func (h HistorianConfig) ValueColumns() []string {
	return []string{h.RPMColumn, h.PressureColumn, h.TempColumn1, h.TempColumn2, h.TempColumn3, h.TempColumn4}
}

// Fingerprint returns a stable hash of the connection-relevant fields. The
// poller resets its window and high-water mark when it changes.
func (h HistorianConfig) Fingerprint() string {
	clone := h
	clone.Enabled = false // toggling on/off must not reset the window
	raw, err := json.Marshal(clone)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// Validate checks that required connection fields are present.
func (h HistorianConfig) Validate() error {
	if h.Host == "" {
		return fmt.Errorf("historian host is required")
	}
	if h.Database == "" {
		return fmt.Errorf("historian database is required")
	}
	if h.Table == "" {
		return fmt.Errorf("historian table is required")
	}
	return nil
}

// Load reads configuration from .env and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		BackendHost: envString("BACKEND_HOST", "0.0.0.0"),
		BackendPort: envInt("BACKEND_PORT", 3000),
		MetricsPort: envInt("METRICS_PORT", 9091),
		DataPath:    envString("DATA_PATH", "/var/lib/meltline"),
		LogLevel:    envString("LOG_LEVEL", "info"),
		LogFormat:   envString("LOG_FORMAT", "auto"),
		Historian: HistorianConfig{
			Enabled:             envBool("MSSQL_ENABLED", false),
			Host:                os.Getenv("MSSQL_HOST"),
			Port:                envInt("MSSQL_PORT", 1433),
			User:                os.Getenv("MSSQL_USER"),
			Password:            os.Getenv("MSSQL_PASSWORD"),
			Database:            os.Getenv("MSSQL_DATABASE"),
			Schema:              envString("MSSQL_SCHEMA", "dbo"),
			Table:               os.Getenv("MSSQL_TABLE"),
			TimestampColumn:     envString("MSSQL_TIMESTAMP_COLUMN", "TrendDate"),
			RPMColumn:           envString("MSSQL_RPM_COLUMN", "ScrewSpeed"),
			PressureColumn:      envString("MSSQL_PRESSURE_COLUMN", "MeltPressure"),
			TempColumn1:         envString("MSSQL_TEMP1_COLUMN", "TempZone1"),
			TempColumn2:         envString("MSSQL_TEMP2_COLUMN", "TempZone2"),
			TempColumn3:         envString("MSSQL_TEMP3_COLUMN", "TempZone3"),
			TempColumn4:         envString("MSSQL_TEMP4_COLUMN", "TempZone4"),
			PollIntervalSeconds: envInt("MSSQL_POLL_INTERVAL_SECONDS", 60),
			WindowMinutes:       envInt("MSSQL_WINDOW_MINUTES", 10),
			MaxRowsPerPoll:      envInt("MSSQL_MAX_ROWS_PER_POLL", 1000),
		},
		AIServiceURL:           os.Getenv("AI_SERVICE_URL"),
		CleanSlateOnStartup:    envBool("CLEAN_SLATE_ON_STARTUP", false),
		AllowPublicSystemReset: envBool("ALLOW_PUBLIC_SYSTEM_RESET", false),
	}

	if cfg.Historian.Enabled {
		if err := cfg.Historian.Validate(); err != nil {
			// Misconfiguration keeps the poller in "configured but disabled"
			// rather than failing startup.
			log.Error().Err(err).Msg("Historian enabled but misconfigured; polling will stay disabled until fixed")
		}
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
