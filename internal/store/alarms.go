package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/meltline/meltline/internal/models"
)

// AlarmDedup controls how CreateAlarmIfAbsent deduplicates by incident key.
type AlarmDedup int

const (
	// DedupWhileOpen suppresses a new alarm only while one with the same
	// incident key is still open.
	DedupWhileOpen AlarmDedup = iota
	// DedupForever suppresses a new alarm if one with the same incident
	// key was ever created, resolved or not.
	DedupForever
)

// CreateAlarmIfAbsent inserts the alarm unless the incident key is already
// covered by dedup or the cooldown window. The dedup check and the insert
// run in one transaction. Returns whether a row was created.
func (s *Store) CreateAlarmIfAbsent(alarm *models.Alarm, dedup AlarmDedup, cooldown time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	key := alarm.IncidentKey()
	if key != "" {
		var n int
		if dedup == DedupForever {
			err = tx.QueryRow(`SELECT COUNT(*) FROM alarms WHERE incident_key = ?`, key).Scan(&n)
		} else {
			err = tx.QueryRow(`SELECT COUNT(*) FROM alarms WHERE incident_key = ? AND status != ?`,
				key, string(models.AlarmResolved)).Scan(&n)
		}
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, tx.Commit()
		}

		if cooldown > 0 {
			// The cooldown runs on observation time, not wall-clock time, so
			// historian replay and clock skew measure the same interval the
			// dwell logic does.
			ref := alarm.TriggeredAt
			if ref.IsZero() {
				ref = time.Now()
			}
			cutoff := ref.Add(-cooldown).UnixNano()
			if err := tx.QueryRow(`
				SELECT COUNT(*) FROM alarms WHERE incident_key = ? AND triggered_at > ?`,
				key, cutoff).Scan(&n); err != nil {
				return false, err
			}
			if n > 0 {
				return false, tx.Commit()
			}
		}
	}

	meta, err := json.Marshal(orEmptyStrings(alarm.Metadata))
	if err != nil {
		return false, err
	}
	if alarm.TriggeredAt.IsZero() {
		alarm.TriggeredAt = time.Now()
	}
	if _, err := tx.Exec(`
		INSERT INTO alarms (id, machine_id, sensor_id, prediction_id, severity, status, message,
			incident_key, triggered_at, resolved_at, resolve_note, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alarm.ID, alarm.MachineID, alarm.SensorID, alarm.PredictionID,
		string(alarm.Severity), string(alarm.Status), alarm.Message,
		key, toUnixNano(alarm.TriggeredAt), nullTime(alarm.ResolvedAt), alarm.ResolveNote, string(meta)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// OpenAlarms returns the unresolved alarms for a machine, newest first.
func (s *Store) OpenAlarms(machineID string) ([]*models.Alarm, error) {
	rows, err := s.db.Query(`
		SELECT id, machine_id, sensor_id, prediction_id, severity, status, message,
			incident_key, triggered_at, resolved_at, resolve_note, metadata
		FROM alarms WHERE machine_id = ? AND status != ? ORDER BY triggered_at DESC`,
		machineID, string(models.AlarmResolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlarms(rows)
}

// AlarmsByIncidentKey returns every alarm ever recorded under a key.
func (s *Store) AlarmsByIncidentKey(key string) ([]*models.Alarm, error) {
	rows, err := s.db.Query(`
		SELECT id, machine_id, sensor_id, prediction_id, severity, status, message,
			incident_key, triggered_at, resolved_at, resolve_note, metadata
		FROM alarms WHERE incident_key = ? ORDER BY triggered_at DESC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlarms(rows)
}

func collectAlarms(rows *sql.Rows) ([]*models.Alarm, error) {
	var alarms []*models.Alarm
	for rows.Next() {
		var a models.Alarm
		var predictionID sql.NullString
		var severity, status, incidentKey, meta string
		var triggered int64
		var resolved sql.NullInt64
		if err := rows.Scan(&a.ID, &a.MachineID, &a.SensorID, &predictionID, &severity, &status,
			&a.Message, &incidentKey, &triggered, &resolved, &a.ResolveNote, &meta); err != nil {
			return nil, err
		}
		if predictionID.Valid {
			a.PredictionID = &predictionID.String
		}
		a.Severity = models.AlarmSeverity(severity)
		a.Status = models.AlarmStatus(status)
		a.TriggeredAt = fromUnixNano(triggered)
		if resolved.Valid {
			t := fromUnixNano(resolved.Int64)
			a.ResolvedAt = &t
		}
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			a.Metadata = map[string]string{}
		}
		if incidentKey != "" {
			if a.Metadata == nil {
				a.Metadata = map[string]string{}
			}
			a.Metadata[models.MetadataKeyIncident] = incidentKey
		}
		alarms = append(alarms, &a)
	}
	return alarms, rows.Err()
}

// ResolveOpenAlarms marks every unresolved alarm for a machine as resolved
// with the given note. Returns the number of alarms resolved.
func (s *Store) ResolveOpenAlarms(machineID, note string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE alarms SET status = ?, resolved_at = ?, resolve_note = ?
		WHERE machine_id = ? AND status != ?`,
		string(models.AlarmResolved), time.Now().UnixNano(), note,
		machineID, string(models.AlarmResolved))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResolveAlarm resolves a single alarm by ID with an operator note.
func (s *Store) ResolveAlarm(alarmID, note string) error {
	_, err := s.db.Exec(`
		UPDATE alarms SET status = ?, resolved_at = ?, resolve_note = ? WHERE id = ?`,
		string(models.AlarmResolved), time.Now().UnixNano(), note, alarmID)
	return err
}

// AcknowledgeAlarm marks an open alarm as acknowledged.
func (s *Store) AcknowledgeAlarm(alarmID string) error {
	_, err := s.db.Exec(`
		UPDATE alarms SET status = ? WHERE id = ? AND status = ?`,
		string(models.AlarmAcknowledged), alarmID, string(models.AlarmOpen))
	return err
}

// CreateTicketIfAbsent inserts the ticket unless one already exists for
// its incident key. Returns whether a row was created.
func (s *Store) CreateTicketIfAbsent(t *models.Ticket) (bool, error) {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	res, err := s.db.Exec(`
		INSERT INTO tickets (id, alarm_id, machine_id, incident_key, status, title, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_key) DO NOTHING`,
		t.ID, t.AlarmID, t.MachineID, t.IncidentKey, t.Status, t.Title, t.Notes,
		toUnixNano(t.CreatedAt), toUnixNano(t.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TicketsForMachine returns the machine's tickets, newest first.
func (s *Store) TicketsForMachine(machineID string) ([]*models.Ticket, error) {
	rows, err := s.db.Query(`
		SELECT id, alarm_id, machine_id, incident_key, status, title, notes, created_at, updated_at
		FROM tickets WHERE machine_id = ? ORDER BY created_at DESC`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		var t models.Ticket
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.AlarmID, &t.MachineID, &t.IncidentKey, &t.Status,
			&t.Title, &t.Notes, &created, &updated); err != nil {
			return nil, err
		}
		t.CreatedAt = fromUnixNano(created)
		t.UpdatedAt = fromUnixNano(updated)
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// PurgeIncidentState deletes all alarms and tickets. Used by reset-state.
func (s *Store) PurgeIncidentState() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM tickets`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM alarms`); err != nil {
		return err
	}
	return tx.Commit()
}
