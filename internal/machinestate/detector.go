// Package machinestate classifies an extrusion machine into one of five
// operating regimes per tick, with dwell and debounce so a single
// qualifying sample never flips the reported state.
package machinestate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/models"
)

// Buffer caps; no unbounded in-memory growth per machine.
const (
	maxReadingBuffer = 600
	maxTempBuffer    = 300

	// consecutive production-qualifying samples required inside the
	// 30-sample tail to enter PRODUCTION
	prodEntryStreak = 10
	prodEntryTail   = 30
)

// Reading is the detector's per-tick input: the raw row plus the derived
// metrics it decides on. MotorLoad and Throughput are optional fallback
// signals from lines that expose them.
type Reading struct {
	Timestamp  time.Time
	RPM        *float64
	Pressure   *float64
	TempZones  []float64
	TempAvg    float64
	TempSlope  float64 // °C/min
	MotorLoad  *float64
	Throughput *float64
}

type bufferedReading struct {
	at      time.Time
	prodMet bool
}

// Detector is the per-machine state machine. Access is serialized by the
// owning polling task; the mutex guards cross-machine reads of Current.
type Detector struct {
	machineID  string
	thresholds Thresholds

	mu          sync.Mutex
	state       models.MachineState
	confidence  float64
	stateSince  time.Time
	lastUpdated time.Time
	lastMetrics map[string]float64
	flags       []string

	candidate      models.MachineState
	candidateSince time.Time
	prodLastMet    time.Time // last time PRODUCTION criteria were met

	readings []bufferedReading
	temps    []float64
}

// NewDetector creates a detector starting in OFF.
func NewDetector(machineID string, thresholds Thresholds) *Detector {
	return &Detector{
		machineID:  machineID,
		thresholds: thresholds.withDefaults(),
		state:      models.StateOff,
		confidence: 0.4,
	}
}

// Hydrate primes the detector from the latest persisted transition so a
// restart does not flap back through OFF.
func (d *Detector) Hydrate(t *models.StateTransition) {
	if t == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = t.ToState
	d.confidence = t.Confidence
	d.stateSince = t.OccurredAt
	d.lastUpdated = t.OccurredAt
}

// Update classifies one reading. It returns the resulting snapshot and a
// non-nil transition when the reported state changed.
func (d *Detector) Update(reading Reading, now time.Time) (models.MachineStateInfo, *models.StateTransition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stateSince.IsZero() {
		d.stateSince = now
	}

	// A reading far in the future is a sensor fault; a modest skew is
	// logged and processed normally.
	futureSkew := reading.Timestamp.Sub(now)
	if futureSkew > 24*time.Hour {
		log.Warn().Str("machine", d.machineID).Time("timestamp", reading.Timestamp).
			Msg("Reading more than 24h in the future, treating as sensor fault")
		return d.applyState(models.StateOff, 0.2, now, []string{models.FlagSensorFault}, reading)
	}
	if futureSkew > 5*time.Minute {
		log.Warn().Str("machine", d.machineID).Dur("skew", futureSkew).
			Msg("Reading timestamp ahead of wall clock, processing anyway")
	}

	raw, confidence, fault := d.classify(reading)

	prodMet := d.productionCriteriaMet(reading)
	d.buffer(reading, prodMet, now)
	if prodMet {
		d.prodLastMet = now
	}

	var flags []string
	if fault {
		flags = append(flags, models.FlagSensorFault)
	}

	next, nextConf := d.applyHysteresis(raw, confidence, prodMet, now)
	return d.applyState(next, nextConf, now, flags, reading)
}

// Current returns the latest snapshot, downgrading to a stale OFF when no
// reading has arrived within the staleness window.
func (d *Detector) Current(now time.Time) models.MachineStateInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := d.snapshot(now)
	if !d.lastUpdated.IsZero() && now.Sub(d.lastUpdated) > d.thresholds.StaleAfter {
		info.State = models.StateOff
		info.Confidence = 0.2
		info.Flags = append(append([]string(nil), info.Flags...), models.FlagStale)
	}
	return info
}

// classify applies the ordered rule list without hysteresis.
func (d *Detector) classify(r Reading) (models.MachineState, float64, bool) {
	t := d.thresholds

	// Sensor-fault predicate first.
	if r.RPM == nil {
		return models.StateOff, 0.2, true
	}
	for _, z := range r.TempZones {
		if z <= 0 || z > 400 {
			return models.StateOff, 0.2, true
		}
	}
	if len(r.TempZones) < 2 {
		return models.StateOff, 0.2, true
	}
	rpm := *r.RPM
	pressure := 0.0
	if r.Pressure != nil {
		pressure = *r.Pressure
	}
	if pressure == 0 && rpm > t.RPMProduction {
		return models.StateOff, 0.2, true
	}

	tempAvg := r.TempAvg
	slope := r.TempSlope

	// 1. PRODUCTION primary
	if rpm >= t.RPMProduction && pressure >= t.PressureProd {
		return models.StateProduction, 0.95, false
	}
	// 2. PRODUCTION fallback
	if rpm >= t.RPMProduction {
		if pressure >= t.PressureOn ||
			(r.MotorLoad != nil && *r.MotorLoad >= t.MotorLoadMin) ||
			(r.Throughput != nil && *r.Throughput >= t.ThroughputMin) {
			return models.StateProduction, 0.75, false
		}
	}
	// 3. OFF
	if rpm < t.RPMOn {
		if tempAvg < t.TempMinActive {
			return models.StateOff, 0.9, false
		}
		if len(r.TempZones) == 0 && pressure < t.PressureOn {
			return models.StateOff, 0.7, false
		}
	}
	// 4. COOLING
	if rpm < t.RPMOn && tempAvg >= t.TempMinActive && slope <= t.CoolingRate {
		return models.StateCooling, 0.85, false
	}
	// 5. HEATING
	if rpm < t.RPMProduction && tempAvg >= t.TempMinActive && slope >= t.HeatingRate {
		return models.StateHeating, 0.85, false
	}
	// 6. IDLE
	if rpm < t.RPMOn && tempAvg >= t.TempMinActive &&
		pressure <= 1.5*t.PressureOn &&
		slope < t.TempFlatRate && slope > -t.TempFlatRate {
		return models.StateIdle, 0.8, false
	}
	// 7. default
	return models.StateOff, 0.4, false
}

func (d *Detector) productionCriteriaMet(r Reading) bool {
	if r.RPM == nil {
		return false
	}
	t := d.thresholds
	rpm := *r.RPM
	pressure := 0.0
	if r.Pressure != nil {
		pressure = *r.Pressure
	}
	if rpm < t.RPMProduction {
		return false
	}
	if pressure >= t.PressureProd || pressure >= t.PressureOn {
		return true
	}
	if r.MotorLoad != nil && *r.MotorLoad >= t.MotorLoadMin {
		return true
	}
	if r.Throughput != nil && *r.Throughput >= t.ThroughputMin {
		return true
	}
	return false
}

func (d *Detector) buffer(r Reading, prodMet bool, now time.Time) {
	d.readings = append(d.readings, bufferedReading{at: now, prodMet: prodMet})
	if len(d.readings) > maxReadingBuffer {
		d.readings = d.readings[len(d.readings)-maxReadingBuffer:]
	}
	if len(r.TempZones) > 0 {
		d.temps = append(d.temps, r.TempAvg)
		if len(d.temps) > maxTempBuffer {
			d.temps = d.temps[len(d.temps)-maxTempBuffer:]
		}
	}
}

// applyHysteresis decides whether the raw classification may replace the
// reported state on this tick.
func (d *Detector) applyHysteresis(raw models.MachineState, confidence float64, prodMet bool, now time.Time) (models.MachineState, float64) {
	t := d.thresholds

	if raw == d.state {
		d.candidate = ""
		return d.state, confidence
	}

	if d.candidate != raw {
		d.candidate = raw
		d.candidateSince = now
	}
	dwell := now.Sub(d.candidateSince)

	// Exiting PRODUCTION: hold until the exit dwell has elapsed since the
	// criteria were last met, regardless of the candidate state.
	if d.state == models.StateProduction {
		if prodMet || now.Sub(d.prodLastMet) < t.ProductionExit {
			return d.state, d.confidence
		}
		return raw, confidence
	}

	// Entering PRODUCTION: dwell plus a streak of qualifying samples.
	if raw == models.StateProduction {
		if dwell < t.ProductionEnter {
			return d.state, d.confidence
		}
		if d.prodStreakInTail() >= prodEntryStreak || len(d.readings) >= prodEntryStreak {
			return raw, confidence
		}
		return d.state, d.confidence
	}

	// Everything else: generic debounce.
	if dwell < t.StateDebounce {
		return d.state, d.confidence
	}
	return raw, confidence
}

// prodStreakInTail returns the longest run of consecutive
// production-qualifying samples within the last 30 buffered readings.
func (d *Detector) prodStreakInTail() int {
	tail := d.readings
	if len(tail) > prodEntryTail {
		tail = tail[len(tail)-prodEntryTail:]
	}
	best, run := 0, 0
	for _, r := range tail {
		if r.prodMet {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

func (d *Detector) applyState(next models.MachineState, confidence float64, now time.Time, flags []string, r Reading) (models.MachineStateInfo, *models.StateTransition) {
	var transition *models.StateTransition
	if next != d.state {
		transition = &models.StateTransition{
			MachineID:  d.machineID,
			FromState:  d.state,
			ToState:    next,
			Confidence: confidence,
			OccurredAt: now,
		}
		log.Info().Str("machine", d.machineID).
			Str("from", string(d.state)).Str("to", string(next)).
			Float64("confidence", confidence).
			Msg("Machine state changed")
		d.state = next
		d.stateSince = now
		d.candidate = ""
	}
	d.confidence = confidence
	d.lastUpdated = now
	d.flags = flags

	metrics := map[string]float64{
		"temp_avg":   r.TempAvg,
		"temp_slope": r.TempSlope,
	}
	if r.RPM != nil {
		metrics["rpm"] = *r.RPM
	}
	if r.Pressure != nil {
		metrics["pressure"] = *r.Pressure
	}
	d.lastMetrics = metrics

	return d.snapshot(now), transition
}

func (d *Detector) snapshot(now time.Time) models.MachineStateInfo {
	return models.MachineStateInfo{
		MachineID:            d.machineID,
		State:                d.state,
		Confidence:           d.confidence,
		StateSince:           d.stateSince,
		LastUpdated:          d.lastUpdated,
		StateDurationSeconds: now.Sub(d.stateSince).Seconds(),
		Metrics:              d.lastMetrics,
		Flags:                append([]string(nil), d.flags...),
	}
}

// ReadingFromRow adapts a historian row plus window features into the
// detector input.
func ReadingFromRow(row *models.HistorianRow, wf features.WindowFeatures) Reading {
	return Reading{
		Timestamp: row.Timestamp,
		RPM:       row.ScrewRPM,
		Pressure:  row.PressureBar,
		TempZones: row.TempZones(),
		TempAvg:   wf.TempAvg,
		TempSlope: wf.TempSlope,
	}
}
