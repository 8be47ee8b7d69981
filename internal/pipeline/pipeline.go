// Package pipeline ties the stages together: each admitted historian row
// flows through feature computation, state detection, baseline learning,
// evaluation, the ML adapter and the incident policy, and the outcome is
// persisted and fanned out to dashboard clients.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/meltline/meltline/internal/ai"
	"github.com/meltline/meltline/internal/evaluation"
	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/incidents"
	"github.com/meltline/meltline/internal/machinestate"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/profiles"
	"github.com/meltline/meltline/internal/store"
	"github.com/meltline/meltline/internal/telemetry"
	"github.com/meltline/meltline/internal/websocket"
)

// Pipeline implements the historian sink. One instance serves all
// machines; per-machine ordering is guaranteed by the poller invoking
// HandleTick once per admitted row in timestamp order.
type Pipeline struct {
	store     *store.Store
	registry  *machinestate.Registry
	profiles  *profiles.Service
	evaluator *evaluation.Evaluator
	incidents *incidents.Manager
	ai        *ai.Client
	hub       *websocket.Hub

	mu          sync.RWMutex
	lastResults map[string]*evaluation.Result
}

// New wires a pipeline. hub and aiClient may be nil in tests.
func New(st *store.Store, registry *machinestate.Registry, ps *profiles.Service, ev *evaluation.Evaluator, im *incidents.Manager, aiClient *ai.Client, hub *websocket.Hub) *Pipeline {
	return &Pipeline{
		store:       st,
		registry:    registry,
		profiles:    ps,
		evaluator:   ev,
		incidents:   im,
		ai:          aiClient,
		hub:         hub,
		lastResults: make(map[string]*evaluation.Result),
	}
}

// HandleTick processes one admitted historian row.
func (p *Pipeline) HandleTick(ctx context.Context, machineID string, row *models.HistorianRow, window []*models.HistorianRow) {
	started := time.Now()
	defer func() {
		telemetry.EvaluationDuration.WithLabelValues(machineID).Observe(time.Since(started).Seconds())
	}()

	wf := features.Compute(window)

	detector := p.registry.Detector(machineID)
	info, transition := detector.Update(machinestate.ReadingFromRow(row, wf), time.Now())
	telemetry.MachineState.WithLabelValues(machineID).Set(telemetry.StateValue(string(info.State)))
	if transition != nil {
		p.handleTransition(machineID, transition)
	}

	materialID := p.materialFor(machineID)
	profile, err := p.profiles.ActiveProfile(machineID, materialID)
	if err != nil {
		log.Warn().Err(err).Str("machine", machineID).Msg("Failed to resolve active profile")
	}

	p.collectSamples(profile, row, info.State)

	mlReply := p.predict(ctx, machineID, profile, row, wf)

	result, err := p.evaluator.Evaluate(evaluation.Input{
		MachineID:  machineID,
		MaterialID: materialID,
		Row:        row,
		Window:     window,
		Features:   wf,
		State:      info,
		ML:         mlReply,
	})
	if err != nil {
		log.Error().Err(err).Str("machine", machineID).Msg("Evaluation tick failed")
		return
	}
	telemetry.ProcessSeverity.WithLabelValues(machineID).Set(float64(result.Overall))

	// Only PRODUCTION ticks are worth a prediction row; other states still
	// evaluate (for the dashboard) but persist nothing.
	var predictionID string
	if result.Production {
		predictionID = p.persistPrediction(result, mlReply)
	}

	outcome := p.incidents.Observe(incidents.Observation{
		MachineID:    machineID,
		WearProfile:  result.WearProfile,
		Learning:     result.Learning,
		PredictionID: predictionID,
		Timestamp:    row.Timestamp,
	})

	p.mu.Lock()
	p.lastResults[machineID] = result
	p.mu.Unlock()

	if p.hub != nil {
		p.hub.BroadcastEvaluation(result)
		for _, alarm := range outcome.Created {
			p.hub.BroadcastAlarm(alarm)
		}
		if outcome.Resolved > 0 {
			p.hub.BroadcastAlarmResolved(machineID, outcome.Resolved)
		}
	}
}

// handleTransition persists the transition, mirrors it to machine status
// and raises a state alert for an abrupt stop out of PRODUCTION.
func (p *Pipeline) handleTransition(machineID string, t *models.StateTransition) {
	if err := p.store.InsertStateTransition(t); err != nil {
		log.Warn().Err(err).Str("machine", machineID).Msg("Failed to persist state transition")
	}
	if err := p.store.SetMachineStatus(machineID, string(t.ToState)); err != nil {
		log.Warn().Err(err).Str("machine", machineID).Msg("Failed to update machine status")
	}
	log.Info().Str("machine", machineID).
		Str("from", string(t.FromState)).Str("to", string(t.ToState)).
		Msg("Machine state changed")

	if t.FromState == models.StateProduction && t.ToState == models.StateOff {
		alert := &models.StateAlert{
			MachineID: machineID,
			State:     t.ToState,
			Message:   "Machine dropped from PRODUCTION to OFF without cooling",
			CreatedAt: t.OccurredAt,
		}
		if err := p.store.InsertStateAlert(alert); err != nil {
			log.Warn().Err(err).Str("machine", machineID).Msg("Failed to persist state alert")
		}
	}

	if p.hub != nil {
		p.hub.BroadcastStateChange(t)
	}
}

// collectSamples feeds every tracked metric into baseline learning. The
// service applies the learning and PRODUCTION gates.
func (p *Pipeline) collectSamples(profile *models.Profile, row *models.HistorianRow, state models.MachineState) {
	if profile == nil || !profile.BaselineLearning {
		return
	}
	for _, metric := range models.TrackedMetrics {
		value, ok := features.MetricValue(row, metric)
		if !ok {
			continue
		}
		if err := p.profiles.CollectSample(profile, metric, value, state, row.Timestamp); err != nil {
			log.Warn().Err(err).Str("metric", metric).Msg("Failed to collect baseline sample")
		}
	}
}

// predict calls the advisory service with the tick's readings.
func (p *Pipeline) predict(ctx context.Context, machineID string, profile *models.Profile, row *models.HistorianRow, wf features.WindowFeatures) ai.Prediction {
	if p.ai == nil || !p.ai.Configured() {
		return ai.Prediction{}
	}

	req := ai.PredictRequest{
		MachineID: machineID,
		Timestamp: row.Timestamp,
		Context:   ai.PredictContext{Readings: readings(row, wf)},
	}
	if sensor, err := p.store.RecordSensor(machineID); err == nil && sensor != nil {
		req.SensorID = sensor.ID
	}
	// The record sensor is a composite; melt pressure is its representative
	// value, barrel temperature the fallback.
	if v, ok := features.MetricValue(row, models.MetricPressure); ok {
		req.Value = v
	} else if len(row.TempZones()) > 0 {
		req.Value = wf.TempAvg
	}
	if profile != nil {
		req.ProfileID = profile.ID
		req.MaterialID = profile.MaterialID
		if stats, err := p.profiles.BaselineStats(profile.ID); err == nil && len(stats) > 0 {
			req.BaselineStats = stats
		}
	}
	return p.ai.Predict(ctx, req)
}

// readings flattens the row plus the derived temperature aggregates into
// the advisory payload.
func readings(row *models.HistorianRow, wf features.WindowFeatures) map[string]float64 {
	r := row.Readings()
	if len(row.TempZones()) > 0 {
		r[models.MetricTempAvg] = wf.TempAvg
		r[models.MetricTempSpread] = wf.TempSpread
	}
	return r
}

// persistPrediction writes the append-only tick snapshot and returns its
// ID, or "" when the insert failed.
func (p *Pipeline) persistPrediction(result *evaluation.Result, mlReply ai.Prediction) string {
	pred := &models.Prediction{
		// ULIDs sort by creation time, which keeps the append-only
		// prediction log naturally ordered.
		ID:                   ulid.Make().String(),
		MachineID:            result.MachineID,
		Timestamp:            result.Timestamp,
		PredictedLabel:       result.Overall.String(),
		Score:                mlReply.Score,
		Confidence:           mlReply.Confidence,
		AnomalyType:          mlReply.AnomalyType,
		ModelVersion:         mlReply.ModelVersion,
		RemainingUsefulLife:  mlReply.RUL,
		ResponseTimeMS:       mlReply.ResponseTimeMS,
		ContributingFeatures: mlReply.ContributingFeatures,
		Metadata: map[string]interface{}{
			"state":       string(result.State),
			"statusText":  result.StatusText,
			"wearProfile": result.WearProfile,
			"mlWarning":   result.MLWarning,
		},
	}
	if result.RiskScore != nil {
		pred.Metadata["riskScore"] = *result.RiskScore
	}
	if err := p.store.InsertPrediction(pred); err != nil {
		log.Warn().Err(err).Str("machine", result.MachineID).Msg("Failed to persist prediction")
		return ""
	}
	return pred.ID
}

// materialFor reads the machine's current material from its metadata.
func (p *Pipeline) materialFor(machineID string) string {
	machine, err := p.store.GetMachine(machineID)
	if err != nil {
		return ""
	}
	return machine.CurrentMaterial()
}

// Snapshot returns the latest evaluation per machine plus current
// detector states; it backs the websocket snapshot and the status API.
func (p *Pipeline) Snapshot() interface{} {
	p.mu.RLock()
	results := make(map[string]*evaluation.Result, len(p.lastResults))
	for id, r := range p.lastResults {
		results[id] = r
	}
	p.mu.RUnlock()

	return map[string]interface{}{
		"evaluations": results,
		"states":      p.registry.States(time.Now()),
	}
}

// LastResult returns the most recent evaluation for a machine.
func (p *Pipeline) LastResult(machineID string) *evaluation.Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastResults[machineID]
}

// Reset drops in-memory evaluation and incident state. Detectors are the
// registry's concern and reset separately.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.lastResults = make(map[string]*evaluation.Result)
	p.mu.Unlock()
	p.incidents.Reset()
}
