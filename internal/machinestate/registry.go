package machinestate

import (
	"sync"
	"time"

	"github.com/meltline/meltline/internal/models"
)

// TransitionLoader fetches the latest persisted transition for hydration.
type TransitionLoader interface {
	LatestStateTransition(machineID string) (*models.StateTransition, error)
}

// Registry owns the per-machine detectors. It replaces what would
// otherwise be a process-wide map reached through package globals: the
// service constructs one registry and passes it down.
type Registry struct {
	mu         sync.RWMutex
	detectors  map[string]*Detector
	thresholds Thresholds
	loader     TransitionLoader
}

// NewRegistry creates a registry applying the given default thresholds to
// new detectors. loader may be nil when persistence hydration is not
// wanted (tests).
func NewRegistry(thresholds Thresholds, loader TransitionLoader) *Registry {
	return &Registry{
		detectors:  make(map[string]*Detector),
		thresholds: thresholds.withDefaults(),
		loader:     loader,
	}
}

// Detector returns the machine's detector, creating and hydrating it on
// first access.
func (r *Registry) Detector(machineID string) *Detector {
	r.mu.RLock()
	d, ok := r.detectors[machineID]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok = r.detectors[machineID]; ok {
		return d
	}
	d = NewDetector(machineID, r.thresholds)
	if r.loader != nil {
		if t, err := r.loader.LatestStateTransition(machineID); err == nil && t != nil {
			d.Hydrate(t)
		}
	}
	r.detectors[machineID] = d
	return d
}

// States returns the current snapshot for every known machine.
func (r *Registry) States(now time.Time) map[string]models.MachineStateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]models.MachineStateInfo, len(r.detectors))
	for id, d := range r.detectors {
		states[id] = d.Current(now)
	}
	return states
}

// Reset drops every detector. Used by the destructive reset-state command.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = make(map[string]*Detector)
}
