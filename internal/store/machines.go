package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/meltline/meltline/internal/models"
)

// UpsertMachine inserts or updates a machine.
func (s *Store) UpsertMachine(m *models.Machine) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	meta, err := json.Marshal(orEmptyStrings(m.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO machines (id, name, status, criticality, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, status = excluded.status,
			criticality = excluded.criticality, metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		m.ID, m.Name, m.Status, m.Criticality, string(meta), toUnixNano(m.CreatedAt), toUnixNano(m.UpdatedAt))
	return err
}

// GetMachine loads one machine by ID.
func (s *Store) GetMachine(id string) (*models.Machine, error) {
	row := s.db.QueryRow(`
		SELECT id, name, status, criticality, metadata, created_at, updated_at
		FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

// ListMachines returns all machines ordered by name.
func (s *Store) ListMachines() ([]*models.Machine, error) {
	rows, err := s.db.Query(`
		SELECT id, name, status, criticality, metadata, created_at, updated_at
		FROM machines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// SetMachineStatus updates only the status column.
func (s *Store) SetMachineStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE machines SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixNano(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(r rowScanner) (*models.Machine, error) {
	var m models.Machine
	var meta string
	var created, updated int64
	if err := r.Scan(&m.ID, &m.Name, &m.Status, &m.Criticality, &meta, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		m.Metadata = map[string]string{}
	}
	m.CreatedAt = fromUnixNano(created)
	m.UpdatedAt = fromUnixNano(updated)
	return &m, nil
}

// UpsertSensor inserts or updates a sensor.
func (s *Store) UpsertSensor(sensor *models.Sensor) error {
	if sensor.CreatedAt.IsZero() {
		sensor.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sensors (id, machine_id, name, unit, warn_limit, critical_limit, is_record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, unit = excluded.unit,
			warn_limit = excluded.warn_limit, critical_limit = excluded.critical_limit,
			is_record = excluded.is_record`,
		sensor.ID, sensor.MachineID, sensor.Name, sensor.Unit,
		sensor.WarnLimit, sensor.CriticalLimit, boolToInt(sensor.IsRecord), toUnixNano(sensor.CreatedAt))
	return err
}

// RecordSensor returns the machine's sensor-of-record, or nil.
func (s *Store) RecordSensor(machineID string) (*models.Sensor, error) {
	row := s.db.QueryRow(`
		SELECT id, machine_id, name, unit, warn_limit, critical_limit, is_record, created_at
		FROM sensors WHERE machine_id = ? AND is_record = 1 LIMIT 1`, machineID)
	var sn models.Sensor
	var isRecord int
	var created int64
	err := row.Scan(&sn.ID, &sn.MachineID, &sn.Name, &sn.Unit, &sn.WarnLimit, &sn.CriticalLimit, &isRecord, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sn.IsRecord = isRecord != 0
	sn.CreatedAt = fromUnixNano(created)
	return &sn, nil
}

func orEmptyStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
