package store

import (
	"database/sql"
	"time"

	"github.com/meltline/meltline/internal/models"
)

// InsertStateTransition appends one detector transition record.
func (s *Store) InsertStateTransition(t *models.StateTransition) error {
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO state_transitions (machine_id, from_state, to_state, confidence, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.MachineID, string(t.FromState), string(t.ToState), t.Confidence, toUnixNano(t.OccurredAt))
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// LatestStateTransition returns the most recent transition for a machine,
// or nil. Detectors hydrate from this row on first access.
func (s *Store) LatestStateTransition(machineID string) (*models.StateTransition, error) {
	row := s.db.QueryRow(`
		SELECT id, machine_id, from_state, to_state, confidence, occurred_at
		FROM state_transitions WHERE machine_id = ? ORDER BY occurred_at DESC, id DESC LIMIT 1`,
		machineID)
	t, err := scanTransition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// RecentStateTransitions returns up to limit transitions, newest first.
func (s *Store) RecentStateTransitions(machineID string, limit int) ([]*models.StateTransition, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, machine_id, from_state, to_state, confidence, occurred_at
		FROM state_transitions WHERE machine_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		machineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []*models.StateTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func scanTransition(r rowScanner) (*models.StateTransition, error) {
	var t models.StateTransition
	var from, to string
	var occurred int64
	if err := r.Scan(&t.ID, &t.MachineID, &from, &to, &t.Confidence, &occurred); err != nil {
		return nil, err
	}
	t.FromState = models.MachineState(from)
	t.ToState = models.MachineState(to)
	t.OccurredAt = fromUnixNano(occurred)
	return &t, nil
}

// InsertStateAlert appends one operator-visible state event.
func (s *Store) InsertStateAlert(a *models.StateAlert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO state_alerts (machine_id, state, message, created_at) VALUES (?, ?, ?, ?)`,
		a.MachineID, string(a.State), a.Message, toUnixNano(a.CreatedAt))
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}
