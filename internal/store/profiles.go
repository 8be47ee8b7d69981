package store

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	interrors "github.com/meltline/meltline/internal/errors"
	"github.com/meltline/meltline/internal/models"
)

// CreateProfile inserts a new profile. The unique partial index rejects a
// second active profile for the same (machine, material).
func (s *Store) CreateProfile(p *models.Profile) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO profiles (id, machine_id, material_id, name, is_active, baseline_learning, baseline_ready, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MachineID, p.MaterialID, p.Name,
		boolToInt(p.IsActive), boolToInt(p.BaselineLearning), boolToInt(p.BaselineReady),
		toUnixNano(p.CreatedAt), toUnixNano(p.UpdatedAt))
	if err != nil {
		return interrors.New(interrors.ErrorTypeInvariant, "create_profile", "",
			fmt.Errorf("active profile for (%v, %s) may already exist: %w", p.MachineID, p.MaterialID, err))
	}
	return nil
}

// GetProfile loads one profile by ID.
func (s *Store) GetProfile(id string) (*models.Profile, error) {
	row := s.db.QueryRow(`
		SELECT id, machine_id, material_id, name, is_active, baseline_learning, baseline_ready, created_at, updated_at
		FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ActiveProfile resolves the active profile for a (machine, material)
// pair: machine-specific first, material default second, nil otherwise.
func (s *Store) ActiveProfile(machineID, materialID string) (*models.Profile, error) {
	row := s.db.QueryRow(`
		SELECT id, machine_id, material_id, name, is_active, baseline_learning, baseline_ready, created_at, updated_at
		FROM profiles WHERE machine_id = ? AND material_id = ? AND is_active = 1`, machineID, materialID)
	p, err := scanProfile(row)
	if err != nil || p != nil {
		return p, err
	}
	row = s.db.QueryRow(`
		SELECT id, machine_id, material_id, name, is_active, baseline_learning, baseline_ready, created_at, updated_at
		FROM profiles WHERE machine_id IS NULL AND material_id = ? AND is_active = 1`, materialID)
	return scanProfile(row)
}

func scanProfile(r rowScanner) (*models.Profile, error) {
	var p models.Profile
	var machineID sql.NullString
	var active, learning, ready int
	var created, updated int64
	err := r.Scan(&p.ID, &machineID, &p.MaterialID, &p.Name, &active, &learning, &ready, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if machineID.Valid {
		p.MachineID = &machineID.String
	}
	p.IsActive = active != 0
	p.BaselineLearning = learning != 0
	p.BaselineReady = ready != 0
	p.CreatedAt = fromUnixNano(created)
	p.UpdatedAt = fromUnixNano(updated)
	return &p, nil
}

// StartBaselineLearning flips the profile into learning mode and wipes any
// previous samples and stats, atomically. Fails if already learning.
func (s *Store) StartBaselineLearning(profileID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var learning int
	if err := tx.QueryRow(`SELECT baseline_learning FROM profiles WHERE id = ?`, profileID).Scan(&learning); err != nil {
		if err == sql.ErrNoRows {
			return interrors.New(interrors.ErrorTypeNotFound, "start_baseline_learning", "", fmt.Errorf("profile %s", profileID))
		}
		return err
	}
	if learning != 0 {
		return interrors.Invariantf("start_baseline_learning", "", "profile %s is already learning", profileID)
	}

	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM baseline_stats WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE profiles SET baseline_learning = 1, baseline_ready = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), profileID); err != nil {
		return err
	}
	return tx.Commit()
}

// CollectBaselineSample appends one sample and bumps the per-metric sample
// count in the same transaction, creating the stats row with null
// statistics on first sight.
func (s *Store) CollectBaselineSample(sample models.BaselineSample) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var learning int
	if err := tx.QueryRow(`SELECT baseline_learning FROM profiles WHERE id = ?`, sample.ProfileID).Scan(&learning); err != nil {
		return err
	}
	if learning == 0 {
		return interrors.Invariantf("collect_sample", "", "profile %s is not in learning mode", sample.ProfileID)
	}

	if _, err := tx.Exec(`
		INSERT INTO baseline_samples (profile_id, metric, value, timestamp) VALUES (?, ?, ?, ?)`,
		sample.ProfileID, sample.Metric, sample.Value, toUnixNano(sample.Timestamp)); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO baseline_stats (profile_id, metric, sample_count, last_updated)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(profile_id, metric) DO UPDATE SET
			sample_count = sample_count + 1, last_updated = excluded.last_updated`,
		sample.ProfileID, sample.Metric, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// SampleValues returns the raw sample values for one metric in insertion order.
func (s *Store) SampleValues(profileID, metric string) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT value FROM baseline_samples WHERE profile_id = ? AND metric = ? ORDER BY id`,
		profileID, metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// SampleCounts returns the per-metric sample counts for a profile.
func (s *Store) SampleCounts(profileID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT metric, COUNT(*) FROM baseline_samples WHERE profile_id = ? GROUP BY metric`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var metric string
		var n int
		if err := rows.Scan(&metric, &n); err != nil {
			return nil, err
		}
		counts[metric] = n
	}
	return counts, rows.Err()
}

// FinalizeBaseline writes the computed stats, deletes the samples and
// flips the profile flags in one transaction. stats must cover every
// metric being finalized.
func (s *Store) FinalizeBaseline(profileID string, stats []models.BaselineStats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, st := range stats {
		if _, err := tx.Exec(`
			INSERT INTO baseline_stats (profile_id, metric, mean, std, p05, p95, sample_count, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(profile_id, metric) DO UPDATE SET
				mean = excluded.mean, std = excluded.std,
				p05 = excluded.p05, p95 = excluded.p95,
				sample_count = excluded.sample_count, last_updated = excluded.last_updated`,
			profileID, st.Metric, st.Mean, st.Std, st.P05, st.P95, st.SampleCount, now); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE profiles SET baseline_ready = 1, baseline_learning = 0, updated_at = ? WHERE id = ?`,
		now, profileID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetBaseline deletes stats and samples and clears both lifecycle flags.
func (s *Store) ResetBaseline(profileID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM baseline_stats WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE profiles SET baseline_ready = 0, baseline_learning = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), profileID); err != nil {
		return err
	}
	return tx.Commit()
}

// BaselineStats returns the stats rows for a profile keyed by metric.
func (s *Store) BaselineStats(profileID string) (map[string]models.BaselineStats, error) {
	rows, err := s.db.Query(`
		SELECT metric, mean, std, p05, p95, sample_count, last_updated
		FROM baseline_stats WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]models.BaselineStats)
	for rows.Next() {
		st := models.BaselineStats{ProfileID: profileID}
		var mean, std, p05, p95 sql.NullFloat64
		var updated int64
		if err := rows.Scan(&st.Metric, &mean, &std, &p05, &p95, &st.SampleCount, &updated); err != nil {
			return nil, err
		}
		if mean.Valid {
			st.Mean = &mean.Float64
		}
		if std.Valid {
			st.Std = &std.Float64
		}
		if p05.Valid {
			st.P05 = &p05.Float64
		}
		if p95.Valid {
			st.P95 = &p95.Float64
		}
		st.LastUpdated = fromUnixNano(updated)
		stats[st.Metric] = st
	}
	return stats, rows.Err()
}

// UpsertScoringBand writes one scoring band.
func (s *Store) UpsertScoringBand(b models.ScoringBand) error {
	_, err := s.db.Exec(`
		INSERT INTO scoring_bands (profile_id, metric, mode, green_limit, orange_limit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, metric) DO UPDATE SET
			mode = excluded.mode, green_limit = excluded.green_limit, orange_limit = excluded.orange_limit`,
		b.ProfileID, b.Metric, string(b.Mode), b.GreenLimit, b.OrangeLimit)
	return err
}

// ScoringBands returns the bands for a profile keyed by metric.
func (s *Store) ScoringBands(profileID string) (map[string]models.ScoringBand, error) {
	rows, err := s.db.Query(`
		SELECT metric, mode, green_limit, orange_limit FROM scoring_bands WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bands := make(map[string]models.ScoringBand)
	for rows.Next() {
		b := models.ScoringBand{ProfileID: profileID}
		var mode string
		if err := rows.Scan(&b.Metric, &mode, &b.GreenLimit, &b.OrangeLimit); err != nil {
			return nil, err
		}
		b.Mode = models.BandMode(mode)
		bands[b.Metric] = b
	}
	return bands, rows.Err()
}

// UpsertMessageTemplate writes one operator message template.
func (s *Store) UpsertMessageTemplate(t models.MessageTemplate) error {
	_, err := s.db.Exec(`
		INSERT INTO message_templates (profile_id, metric, severity, text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id, metric, severity) DO UPDATE SET text = excluded.text`,
		t.ProfileID, t.Metric, int(t.Severity), t.Text)
	return err
}

// MessageTemplate returns the template text for (profile, metric,
// severity), or "" when none exists.
func (s *Store) MessageTemplate(profileID, metric string, severity models.Severity) (string, error) {
	var text string
	err := s.db.QueryRow(`
		SELECT text FROM message_templates WHERE profile_id = ? AND metric = ? AND severity = ?`,
		profileID, metric, int(severity)).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}

// ComputeBaselineStats derives mean, sample std, p05 and p95 from a value
// slice. Exposed here so finalize and its tests share one implementation.
func ComputeBaselineStats(metric string, values []float64) models.BaselineStats {
	n := len(values)
	st := models.BaselineStats{Metric: metric, SampleCount: n}
	if n == 0 {
		return st
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(sq / float64(n-1))
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	p05 := percentile(sorted, 0.05)
	p95 := percentile(sorted, 0.95)

	st.Mean = &mean
	st.Std = &std
	st.P05 = &p05
	st.P95 = &p95
	return st
}

// percentile uses linear interpolation between closest ranks over a sorted
// slice.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
