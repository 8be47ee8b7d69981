// Package profiles manages (machine, material) profiles and the baseline
// learning lifecycle. Samples are only collected while the owning profile
// is in learning mode and the machine is in PRODUCTION; finalize turns the
// accumulated samples into per-metric statistics and deletes them.
package profiles

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	interrors "github.com/meltline/meltline/internal/errors"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/store"
)

// MinSamplesPerMetric is the finalize threshold.
const MinSamplesPerMetric = 100

// Service wraps the store with profile lifecycle rules.
type Service struct {
	store *store.Store
}

// NewService builds a profile service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Create registers a new active profile. machineID may be nil for a
// material default.
func (s *Service) Create(machineID *string, materialID, name string) (*models.Profile, error) {
	p := &models.Profile{
		ID:         uuid.NewString(),
		MachineID:  machineID,
		MaterialID: materialID,
		Name:       name,
		IsActive:   true,
	}
	if err := s.store.CreateProfile(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ActiveProfile resolves the active profile for a machine and material:
// machine-specific first, then the material default.
func (s *Service) ActiveProfile(machineID, materialID string) (*models.Profile, error) {
	if materialID == "" {
		return nil, nil
	}
	return s.store.ActiveProfile(machineID, materialID)
}

// StartBaselineLearning enters learning mode, wiping previous samples and
// stats. Fails when the profile is already learning.
func (s *Service) StartBaselineLearning(profileID string) error {
	if err := s.store.StartBaselineLearning(profileID); err != nil {
		return err
	}
	log.Info().Str("profile", profileID).Msg("Baseline learning started")
	return nil
}

// CollectSample records one learning observation. It is a no-op unless
// the profile is learning, the machine is in PRODUCTION and the metric
// belongs to the tracked set.
func (s *Service) CollectSample(profile *models.Profile, metric string, value float64, state models.MachineState, ts time.Time) error {
	if profile == nil || !profile.BaselineLearning {
		return nil
	}
	if state != models.StateProduction {
		return nil
	}
	if !models.IsTrackedMetric(metric) {
		return nil
	}
	return s.store.CollectBaselineSample(models.BaselineSample{
		ProfileID: profile.ID,
		Metric:    metric,
		Value:     value,
		Timestamp: ts,
	})
}

// FinalizeBaseline computes mean/std/p05/p95 per metric and flips the
// profile to ready. Every tracked metric must have reached the sample
// threshold.
func (s *Service) FinalizeBaseline(profileID string) error {
	profile, err := s.store.GetProfile(profileID)
	if err != nil {
		return err
	}
	if profile == nil {
		return interrors.New(interrors.ErrorTypeNotFound, "finalize_baseline", "", fmt.Errorf("profile %s", profileID))
	}
	if !profile.BaselineLearning {
		return interrors.Invariantf("finalize_baseline", "", "profile %s is not in learning mode", profileID)
	}

	counts, err := s.store.SampleCounts(profileID)
	if err != nil {
		return err
	}
	for _, metric := range models.TrackedMetrics {
		if counts[metric] < MinSamplesPerMetric {
			return interrors.Invariantf("finalize_baseline", "",
				"metric %s has %d samples, need %d", metric, counts[metric], MinSamplesPerMetric)
		}
	}

	stats := make([]models.BaselineStats, 0, len(models.TrackedMetrics))
	for _, metric := range models.TrackedMetrics {
		values, err := s.store.SampleValues(profileID, metric)
		if err != nil {
			return err
		}
		stats = append(stats, store.ComputeBaselineStats(metric, values))
	}

	if err := s.store.FinalizeBaseline(profileID, stats); err != nil {
		return err
	}
	log.Info().Str("profile", profileID).Int("metrics", len(stats)).Msg("Baseline finalized")
	return nil
}

// ResetBaseline clears stats and samples and both lifecycle flags.
func (s *Service) ResetBaseline(profileID string) error {
	if err := s.store.ResetBaseline(profileID); err != nil {
		return err
	}
	log.Info().Str("profile", profileID).Msg("Baseline reset")
	return nil
}

// TriggerRetrain resets the baseline and immediately re-enters learning
// mode. Exposed for the HTTP layer's retrain operation.
func (s *Service) TriggerRetrain(profileID string) error {
	if err := s.store.ResetBaseline(profileID); err != nil {
		return err
	}
	return s.StartBaselineLearning(profileID)
}

// BaselineStats returns the profile's stats keyed by metric.
func (s *Service) BaselineStats(profileID string) (map[string]models.BaselineStats, error) {
	return s.store.BaselineStats(profileID)
}

// ScoringBands returns the profile's bands keyed by metric.
func (s *Service) ScoringBands(profileID string) (map[string]models.ScoringBand, error) {
	return s.store.ScoringBands(profileID)
}

// MessageFor renders the operator message for a metric at a severity,
// falling back to a (mean ± std) default when no template exists.
func (s *Service) MessageFor(profileID, metric string, severity models.Severity, stats map[string]models.BaselineStats) (string, error) {
	text, err := s.store.MessageTemplate(profileID, metric, severity)
	if err != nil {
		return "", err
	}
	if text != "" {
		return text, nil
	}
	if st, ok := stats[metric]; ok && st.Finalized() {
		return fmt.Sprintf("%s is %s (baseline %.2f ± %.2f)", metric, severity, *st.Mean, *st.Std), nil
	}
	return fmt.Sprintf("%s is %s", metric, severity), nil
}
