package machinestate

import "time"

// Thresholds holds the per-machine classification tuning. All values are
// overridable per machine; zero values fall back to the defaults.
type Thresholds struct {
	RPMOn           float64       `json:"rpmOn"`           // movement present
	RPMProduction   float64       `json:"rpmProduction"`   // production-capable rotation
	PressureOn      float64       `json:"pressureOn"`      // pressure present
	PressureProd    float64       `json:"pressureProd"`    // production-typical pressure
	TempMinActive   float64       `json:"tempMinActive"`   // above this the barrel counts as warm
	HeatingRate     float64       `json:"heatingRate"`     // °C/min, positive slope threshold
	CoolingRate     float64       `json:"coolingRate"`     // °C/min, negative slope threshold
	TempFlatRate    float64       `json:"tempFlatRate"`    // °C/min considered flat
	MotorLoadMin    float64       `json:"motorLoadMin"`    // production fallback signal
	ThroughputMin   float64       `json:"throughputMin"`   // production fallback signal
	ProductionEnter time.Duration `json:"productionEnter"` // dwell before entering PRODUCTION
	ProductionExit  time.Duration `json:"productionExit"`  // dwell before exiting PRODUCTION
	StateDebounce   time.Duration `json:"stateDebounce"`   // generic transition debounce
	StaleAfter      time.Duration `json:"staleAfter"`      // no reading for this long reports OFF/stale
}

// DefaultThresholds returns the stock extrusion-line tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RPMOn:           5.0,
		RPMProduction:   10.0,
		PressureOn:      2.0,
		PressureProd:    5.0,
		TempMinActive:   60.0,
		HeatingRate:     0.2,
		CoolingRate:     -0.2,
		TempFlatRate:    0.2,
		MotorLoadMin:    20.0,
		ThroughputMin:   5.0,
		ProductionEnter: 90 * time.Second,
		ProductionExit:  120 * time.Second,
		StateDebounce:   60 * time.Second,
		StaleAfter:      5 * time.Minute,
	}
}

// withDefaults fills unset fields from the defaults.
func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.RPMOn == 0 {
		t.RPMOn = def.RPMOn
	}
	if t.RPMProduction == 0 {
		t.RPMProduction = def.RPMProduction
	}
	if t.PressureOn == 0 {
		t.PressureOn = def.PressureOn
	}
	if t.PressureProd == 0 {
		t.PressureProd = def.PressureProd
	}
	if t.TempMinActive == 0 {
		t.TempMinActive = def.TempMinActive
	}
	if t.HeatingRate == 0 {
		t.HeatingRate = def.HeatingRate
	}
	if t.CoolingRate == 0 {
		t.CoolingRate = def.CoolingRate
	}
	if t.TempFlatRate == 0 {
		t.TempFlatRate = def.TempFlatRate
	}
	if t.MotorLoadMin == 0 {
		t.MotorLoadMin = def.MotorLoadMin
	}
	if t.ThroughputMin == 0 {
		t.ThroughputMin = def.ThroughputMin
	}
	if t.ProductionEnter == 0 {
		t.ProductionEnter = def.ProductionEnter
	}
	if t.ProductionExit == 0 {
		t.ProductionExit = def.ProductionExit
	}
	if t.StateDebounce == 0 {
		t.StateDebounce = def.StateDebounce
	}
	if t.StaleAfter == 0 {
		t.StaleAfter = def.StaleAfter
	}
	return t
}
