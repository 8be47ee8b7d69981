package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Setting value types accepted by the KV store.
const (
	SettingTypeString = "string"
	SettingTypeJSON   = "json"
	SettingTypeInt    = "int"
	SettingTypeBool   = "bool"
)

// Well-known settings keys.
const (
	SettingHistorianConnection = "connections.mssql"
	SettingEdgePCConnection    = "connections.edge_pc"
	settingHighWaterPrefix     = "historian.high_water_mark."
)

// SetSetting writes one typed value into the settings store.
func (s *Store) SetSetting(key, value, valueType string) error {
	switch valueType {
	case SettingTypeString, SettingTypeJSON, SettingTypeInt, SettingTypeBool:
	default:
		return fmt.Errorf("unsupported setting type %q", valueType)
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, type, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, type = excluded.type, updated_at = excluded.updated_at`,
		key, value, valueType, time.Now().UnixNano())
	return err
}

// GetSetting reads one raw value. The second return is false when the key
// is absent.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetSettingJSON unmarshals a json-typed setting into dest. Returns false
// when the key is absent.
func (s *Store) GetSettingJSON(key string, dest interface{}) (bool, error) {
	raw, ok, err := s.GetSetting(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return true, fmt.Errorf("setting %s: %w", key, err)
	}
	return true, nil
}

// SetSettingJSON marshals v and stores it as a json-typed setting.
func (s *Store) SetSettingJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetSetting(key, string(raw), SettingTypeJSON)
}

// HighWaterMark returns the persisted historian high-water mark for a
// machine, or the zero time when none has been recorded.
func (s *Store) HighWaterMark(machineID string) (time.Time, error) {
	raw, ok, err := s.GetSetting(settingHighWaterPrefix + machineID)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt high-water mark for %s: %w", machineID, err)
	}
	return t, nil
}

// SetHighWaterMark persists the newest historian timestamp processed for a
// machine so a restart never re-emits rows.
func (s *Store) SetHighWaterMark(machineID string, t time.Time) error {
	return s.SetSetting(settingHighWaterPrefix+machineID, t.Format(time.RFC3339Nano), SettingTypeString)
}

// ClearHighWaterMark removes the persisted mark (used on config changes).
func (s *Store) ClearHighWaterMark(machineID string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, settingHighWaterPrefix+machineID)
	return err
}
