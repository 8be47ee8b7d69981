package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/meltline/meltline/internal/models"
)

// InsertPrediction appends one evaluation snapshot. The predictions table
// is append-only.
func (s *Store) InsertPrediction(p *models.Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	features, err := json.Marshal(orEmptyFloats(p.ContributingFeatures))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO predictions (id, machine_id, sensor_id, timestamp, predicted_label, score,
			confidence, anomaly_type, model_version, rul, response_time_ms,
			contributing_features, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MachineID, p.SensorID, toUnixNano(p.Timestamp), p.PredictedLabel, p.Score,
		p.Confidence, p.AnomalyType, p.ModelVersion, p.RemainingUsefulLife, p.ResponseTimeMS,
		string(features), string(meta), toUnixNano(p.CreatedAt))
	return err
}

// RecentPredictions returns up to limit predictions for a machine newer
// than since, newest first.
func (s *Store) RecentPredictions(machineID string, since time.Time, limit int) ([]*models.Prediction, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, machine_id, sensor_id, timestamp, predicted_label, score, confidence,
			anomaly_type, model_version, rul, response_time_ms, contributing_features, metadata, created_at
		FROM predictions
		WHERE machine_id = ? AND timestamp > ?
		ORDER BY timestamp DESC LIMIT ?`,
		machineID, toUnixNano(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []*models.Prediction
	for rows.Next() {
		var p models.Prediction
		var ts, created int64
		var rul, responseMS sql.NullFloat64
		var features, meta string
		if err := rows.Scan(&p.ID, &p.MachineID, &p.SensorID, &ts, &p.PredictedLabel, &p.Score,
			&p.Confidence, &p.AnomalyType, &p.ModelVersion, &rul, &responseMS,
			&features, &meta, &created); err != nil {
			return nil, err
		}
		p.Timestamp = fromUnixNano(ts)
		p.CreatedAt = fromUnixNano(created)
		if rul.Valid {
			p.RemainingUsefulLife = &rul.Float64
		}
		if responseMS.Valid {
			p.ResponseTimeMS = &responseMS.Float64
		}
		if err := json.Unmarshal([]byte(features), &p.ContributingFeatures); err != nil {
			p.ContributingFeatures = map[string]float64{}
		}
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			p.Metadata = map[string]interface{}{}
		}
		predictions = append(predictions, &p)
	}
	return predictions, rows.Err()
}

func orEmptyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
