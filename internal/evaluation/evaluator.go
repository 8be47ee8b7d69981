package evaluation

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
)

// mlLookback bounds how far back persisted predictions feed the advisory
// step, and mlMaxRows caps how many are read per tick.
const (
	mlLookback = 30 * time.Minute
	mlMaxRows  = 10
)

// Input is everything one evaluation tick needs: the newest admitted row,
// the rolling window it belongs to, derived features, the detector's view
// of the machine and the latest advisory reply (may be empty).
type Input struct {
	MachineID  string
	MaterialID string
	Row        *models.HistorianRow
	Window     []*models.HistorianRow
	Features   features.WindowFeatures
	State      models.MachineStateInfo
	ML         ai.Prediction
}

// MetricResult is the per-metric outcome of the decision hierarchy.
type MetricResult struct {
	Value     float64         `json:"value"`
	Rule      models.Severity `json:"rule"`
	Stability models.Severity `json:"stability"`
	Final     models.Severity `json:"final"`
	MLWarning bool            `json:"mlWarning"`
	Message   string          `json:"message,omitempty"`
}

// Result is one machine's evaluation snapshot for a tick.
type Result struct {
	MachineID   string                  `json:"machineId"`
	Timestamp   time.Time               `json:"timestamp"`
	State       models.MachineState     `json:"state"`
	Production  bool                    `json:"production"`
	ProfileID   string                  `json:"profileId,omitempty"`
	Learning    bool                    `json:"learning"`
	Metrics     map[string]MetricResult `json:"metrics"`
	Overall     models.Severity         `json:"overall"`
	RiskScore   *float64                `json:"riskScore,omitempty"`
	WearProfile int                     `json:"wearProfile"`
	StatusText  string                  `json:"statusText"`
	MLWarning   bool                    `json:"mlWarning"`
}

// Evaluator runs the decision hierarchy against the profile store.
type Evaluator struct {
	store    *store.Store
	profiles *profiles.Service
}

// New builds an evaluator.
func New(st *store.Store, ps *profiles.Service) *Evaluator {
	return &Evaluator{store: st, profiles: ps}
}

// Evaluate scores one tick. Outside PRODUCTION it returns a neutral
// result: temperature aggregates are still computed so dashboards keep
// moving, but every severity is UNKNOWN and no risk score is emitted.
func (e *Evaluator) Evaluate(in Input) (*Result, error) {
	res := &Result{
		MachineID:  in.MachineID,
		Timestamp:  in.Row.Timestamp,
		State:      in.State.State,
		Production: in.State.State == models.StateProduction,
		Metrics:    make(map[string]MetricResult, len(models.TrackedMetrics)),
		Overall:    models.SeverityUnknown,
	}

	profile, err := e.profiles.ActiveProfile(in.MachineID, in.MaterialID)
	if err != nil {
		return nil, err
	}
	var stats map[string]models.BaselineStats
	var bands map[string]models.ScoringBand
	if profile != nil {
		res.ProfileID = profile.ID
		res.Learning = profile.BaselineLearning
		if stats, err = e.profiles.BaselineStats(profile.ID); err != nil {
			return nil, err
		}
		if bands, err = e.profiles.ScoringBands(profile.ID); err != nil {
			return nil, err
		}
	}

	if !res.Production {
		for _, metric := range []string{models.MetricTempAvg, models.MetricTempSpread} {
			if v, ok := features.MetricValue(in.Row, metric); ok {
				res.Metrics[metric] = MetricResult{
					Value:     v,
					Rule:      models.SeverityUnknown,
					Stability: models.SeverityUnknown,
					Final:     models.SeverityUnknown,
				}
			}
		}
		res.StatusText = processStatusText(models.SeverityUnknown)
		return res, nil
	}

	mlScores := e.advisoryScores(in)

	stabilities := make(map[string]models.Severity, len(models.TrackedMetrics))
	for _, metric := range models.TrackedMetrics {
		value, ok := features.MetricValue(in.Row, metric)
		if !ok {
			continue
		}
		var st *models.BaselineStats
		if s, found := stats[metric]; found {
			st = &s
		}
		var band *models.ScoringBand
		if b, found := bands[metric]; found {
			band = &b
		}

		rule := ruleSeverity(metric, value, band, st, in.Features)
		stability := stabilitySeverity(metric, in.Window, st, in.Features)
		final, mlWarning := combine(rule, stability, mlScores[metric])
		stabilities[metric] = stability

		mr := MetricResult{
			Value:     value,
			Rule:      rule,
			Stability: stability,
			Final:     final,
			MLWarning: mlWarning,
		}
		if final >= models.SeverityOrange && profile != nil {
			if msg, merr := e.profiles.MessageFor(profile.ID, metric, final, stats); merr == nil {
				mr.Message = msg
			}
		}
		res.Metrics[metric] = mr
		res.MLWarning = res.MLWarning || mlWarning
	}
	if in.ML.Score > mlWarningThreshold {
		res.MLWarning = true
	}

	sStab := representativeStability(stabilities)
	score, raw, ok := riskScore(
		res.Metrics[models.MetricPressure].Final,
		res.Metrics[models.MetricTempAvg].Final,
		res.Metrics[models.MetricTempSpread].Final,
		sStab,
	)
	if ok {
		res.RiskScore = &score
		res.Overall = overallFromRisk(score)
		res.WearProfile = wearProfile(res.Overall, raw)
	} else {
		res.Overall = worstFinal(res.Metrics)
		res.WearProfile = wearProfile(res.Overall, 0)
	}
	res.StatusText = processStatusText(res.Overall)
	return res, nil
}

// advisoryScores merges the live advisory reply with recently persisted
// predictions into per-metric scores. Failures here never block the tick.
func (e *Evaluator) advisoryScores(in Input) map[string]float64 {
	scores := make(map[string]float64)
	for metric, s := range in.ML.ContributingFeatures {
		if models.IsTrackedMetric(metric) && s > scores[metric] {
			scores[metric] = s
		}
	}

	recent, err := e.store.RecentPredictions(in.MachineID, in.Row.Timestamp.Add(-mlLookback), mlMaxRows)
	if err != nil {
		log.Debug().Err(err).Str("machine", in.MachineID).Msg("Skipping persisted predictions for advisory step")
		return scores
	}
	for _, p := range recent {
		for metric, s := range p.ContributingFeatures {
			if models.IsTrackedMetric(metric) && s > scores[metric] {
				scores[metric] = s
			}
		}
	}
	return scores
}

// wearProfile derives the incident wear profile from the overall severity.
// A raw (unclamped) risk sum of 150 or more means at least three RED
// components and is treated as an acute fault event.
func wearProfile(overall models.Severity, raw float64) int {
	if raw >= 150 {
		return 3
	}
	switch overall {
	case models.SeverityOrange:
		return 1
	case models.SeverityRed:
		return 2
	default:
		return 0
	}
}

// worstFinal is the fallback overall severity when the risk score cannot
// be computed.
func worstFinal(metrics map[string]MetricResult) models.Severity {
	worst := models.SeverityUnknown
	for _, mr := range metrics {
		worst = models.MaxSeverity(worst, mr.Final)
	}
	return worst
}
