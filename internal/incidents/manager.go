// Package incidents turns wear profiles into alarms and tickets under a
// calm-control policy: wear profiles must hold for their dwell time before
// an alarm fires (fault events alarm immediately, only their ticket waits),
// recurring conditions are deduplicated per incident key, and a cooldown
// keeps flapping machines from re-alarming every tick.
package incidents

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/store"
	"github.com/meltline/meltline/internal/telemetry"
)

// Cooldown is the minimum gap between alarms for the same incident key
// after the previous one was resolved.
const Cooldown = 15 * time.Minute

// Dwell times: how long a wear profile must hold before the policy acts.
// The fault alarm itself fires on first observation; faultEventDwell gates
// only its ticket.
const (
	recoveryDwell     = 60 * time.Second
	earlyWearDwell    = 300 * time.Second
	advancedWearDwell = 60 * time.Second
	faultEventDwell   = 180 * time.Second
)

// Observation is one tick's input to the policy.
type Observation struct {
	MachineID    string
	WearProfile  int
	Learning     bool
	PredictionID string
	Timestamp    time.Time
}

// Outcome reports what the policy did this tick so the caller can fan it
// out to subscribers.
type Outcome struct {
	Created  []*models.Alarm
	Resolved int
}

type machineTrack struct {
	profile  int
	since    time.Time
	lastSeen time.Time
	// recovered latches the Profile 0 resolve so it runs once per episode.
	recovered bool
}

// Manager holds per-machine incident state. Everything it does is
// best-effort: storage failures are logged and the pipeline moves on.
type Manager struct {
	store *store.Store

	mu       sync.Mutex
	machines map[string]*machineTrack
}

// NewManager builds an incident manager over the store.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		store:    st,
		machines: make(map[string]*machineTrack),
	}
}

// Observe feeds one tick through the calm-control policy.
func (m *Manager) Observe(obs Observation) Outcome {
	m.mu.Lock()
	track, ok := m.machines[obs.MachineID]
	if !ok || track.profile != obs.WearProfile {
		track = &machineTrack{profile: obs.WearProfile, since: obs.Timestamp}
		m.machines[obs.MachineID] = track
	}
	track.lastSeen = obs.Timestamp
	held := obs.Timestamp.Sub(track.since)
	mayResolve := obs.WearProfile == 0 && held >= recoveryDwell && !track.recovered
	if mayResolve {
		track.recovered = true
	}
	m.mu.Unlock()

	var out Outcome
	switch obs.WearProfile {
	case 0:
		if mayResolve {
			n, err := m.store.ResolveOpenAlarms(obs.MachineID, "recovered to Profile 0 (stable)")
			if err != nil {
				log.Warn().Err(err).Str("machine", obs.MachineID).Msg("Failed to resolve alarms on recovery")
				return out
			}
			out.Resolved = n
			if n > 0 {
				log.Info().Str("machine", obs.MachineID).Int("resolved", n).Msg("Machine recovered, open alarms resolved")
			}
		}
	case 1:
		if held >= earlyWearDwell {
			out.Created = m.raise(obs, models.AlarmWarning, "early_wear",
				fmt.Sprintf("Early wear indicators on %s", obs.MachineID),
				store.DedupWhileOpen, false)
		}
	case 2:
		if held >= advancedWearDwell {
			out.Created = m.raise(obs, models.AlarmCritical, "advanced_wear",
				fmt.Sprintf("Advanced wear detected on %s, maintenance recommended", obs.MachineID),
				store.DedupForever, true)
		}
	case 3:
		out.Created = m.raise(obs, models.AlarmCritical, "fault_event",
			fmt.Sprintf("Fault event on %s, immediate attention required", obs.MachineID),
			store.DedupWhileOpen, held >= faultEventDwell)
	}
	return out
}

// raise creates the alarm (and ticket, when asked) unless dedup, cooldown
// or baseline learning suppresses it. The ticket may trail the alarm: when
// the alarm is deduplicated against an open one, withTicket still opens the
// ticket against that open alarm once the dwell is met.
func (m *Manager) raise(obs Observation, severity models.AlarmSeverity, condition, message string, dedup store.AlarmDedup, withTicket bool) []*models.Alarm {
	if obs.Learning {
		telemetry.AlarmsSuppressed.WithLabelValues(obs.MachineID, "learning").Inc()
		return nil
	}

	key := fmt.Sprintf("%s:profile%d:%s", obs.MachineID, obs.WearProfile, condition)
	alarm := &models.Alarm{
		ID:          uuid.NewString(),
		MachineID:   obs.MachineID,
		Severity:    severity,
		Status:      models.AlarmOpen,
		Message:     message,
		TriggeredAt: obs.Timestamp,
		Metadata:    map[string]string{models.MetadataKeyIncident: key},
	}
	if obs.PredictionID != "" {
		pid := obs.PredictionID
		alarm.PredictionID = &pid
	}

	created, err := m.store.CreateAlarmIfAbsent(alarm, dedup, Cooldown)
	if err != nil {
		log.Warn().Err(err).Str("machine", obs.MachineID).Str("incident", key).Msg("Failed to create alarm")
		return nil
	}
	if !created {
		telemetry.AlarmsSuppressed.WithLabelValues(obs.MachineID, "dedup").Inc()
		if withTicket {
			m.ensureTicket(obs, key, "", message)
		}
		return nil
	}
	telemetry.AlarmsCreated.WithLabelValues(obs.MachineID, string(severity)).Inc()
	log.Info().Str("machine", obs.MachineID).Str("incident", key).
		Str("severity", string(severity)).Msg("Alarm created")

	if withTicket {
		m.ensureTicket(obs, key, alarm.ID, message)
	}
	return []*models.Alarm{alarm}
}

// ensureTicket opens the incident's ticket once. alarmID may be empty when
// the alarm was deduplicated; the open alarm under the incident key is used
// then.
func (m *Manager) ensureTicket(obs Observation, key, alarmID, message string) {
	if alarmID == "" {
		alarms, err := m.store.AlarmsByIncidentKey(key)
		if err != nil || len(alarms) == 0 {
			return
		}
		alarmID = alarms[0].ID
	}
	ticket := &models.Ticket{
		ID:          uuid.NewString(),
		AlarmID:     alarmID,
		MachineID:   obs.MachineID,
		IncidentKey: key,
		Status:      "open",
		Title:       message,
		CreatedAt:   obs.Timestamp,
		UpdatedAt:   obs.Timestamp,
	}
	if _, err := m.store.CreateTicketIfAbsent(ticket); err != nil {
		log.Warn().Err(err).Str("machine", obs.MachineID).Str("incident", key).Msg("Failed to create ticket")
	}
}

// Reset drops all in-memory dwell tracking. Persisted alarms and tickets
// are untouched; use the store purge for those.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines = make(map[string]*machineTrack)
}
