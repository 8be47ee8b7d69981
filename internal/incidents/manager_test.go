package incidents

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertMachine(&models.Machine{ID: "m1", Name: "m1", Status: "PRODUCTION"}))
	return NewManager(st), st
}

func obs(profile int, ts time.Time) Observation {
	return Observation{MachineID: "m1", WearProfile: profile, Timestamp: ts}
}

func TestEarlyWearWaitsForDwell(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()

	out := m.Observe(obs(1, base))
	assert.Empty(t, out.Created)

	out = m.Observe(obs(1, base.Add(299*time.Second)))
	assert.Empty(t, out.Created, "below the 300 s dwell nothing may fire")

	out = m.Observe(obs(1, base.Add(300*time.Second)))
	require.Len(t, out.Created, 1)
	alarm := out.Created[0]
	assert.Equal(t, models.AlarmWarning, alarm.Severity)
	assert.Equal(t, "m1:profile1:early_wear", alarm.IncidentKey())
}

func TestProfileChangeResetsDwell(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()

	// 250 s of early wear, then the machine degrades further.
	m.Observe(obs(1, base))
	m.Observe(obs(1, base.Add(250*time.Second)))

	// The advanced-wear dwell starts from the profile change, not from the
	// first degraded tick.
	out := m.Observe(obs(2, base.Add(260*time.Second)))
	assert.Empty(t, out.Created)
	out = m.Observe(obs(2, base.Add(310*time.Second)))
	assert.Empty(t, out.Created)

	out = m.Observe(obs(2, base.Add(320*time.Second)))
	require.Len(t, out.Created, 1)
	assert.Equal(t, models.AlarmCritical, out.Created[0].Severity)
	assert.Equal(t, "m1:profile2:advanced_wear", out.Created[0].IncidentKey())
}

func TestAdvancedWearOpensTicket(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Now()

	m.Observe(obs(2, base))
	out := m.Observe(obs(2, base.Add(60*time.Second)))
	require.Len(t, out.Created, 1)

	tickets, err := st.TicketsForMachine("m1")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "m1:profile2:advanced_wear", tickets[0].IncidentKey)
	assert.Equal(t, out.Created[0].ID, tickets[0].AlarmID)

	// Holding the profile never opens a second ticket.
	out = m.Observe(obs(2, base.Add(120*time.Second)))
	assert.Empty(t, out.Created)
	tickets, err = st.TicketsForMachine("m1")
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestFaultEventAlarmsImmediately(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Now()

	// A fault event alarms on the first tick; only its ticket waits for the
	// 180 s dwell.
	out := m.Observe(obs(3, base))
	require.Len(t, out.Created, 1)
	alarm := out.Created[0]
	assert.Equal(t, models.AlarmCritical, alarm.Severity)
	assert.Equal(t, "m1:profile3:fault_event", alarm.IncidentKey())

	tickets, err := st.TicketsForMachine("m1")
	require.NoError(t, err)
	assert.Empty(t, tickets)

	// Holding the fault dedups the alarm and, below the dwell, still no
	// ticket.
	out = m.Observe(obs(3, base.Add(179*time.Second)))
	assert.Empty(t, out.Created)
	tickets, err = st.TicketsForMachine("m1")
	require.NoError(t, err)
	assert.Empty(t, tickets)

	// Past the dwell the ticket opens against the original alarm.
	out = m.Observe(obs(3, base.Add(180*time.Second)))
	assert.Empty(t, out.Created)
	tickets, err = st.TicketsForMachine("m1")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, alarm.ID, tickets[0].AlarmID)
	assert.Equal(t, "m1:profile3:fault_event", tickets[0].IncidentKey)

	// And only once.
	m.Observe(obs(3, base.Add(240*time.Second)))
	tickets, err = st.TicketsForMachine("m1")
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestLearningSuppressesAlarms(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Now()

	o := obs(2, base)
	o.Learning = true
	m.Observe(o)
	o.Timestamp = base.Add(120 * time.Second)
	out := m.Observe(o)
	assert.Empty(t, out.Created, "baseline learning must suppress alarms")

	alarms, err := st.OpenAlarms("m1")
	require.NoError(t, err)
	assert.Empty(t, alarms)
}

func TestRecoveryResolvesOncePerEpisode(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Now()

	m.Observe(obs(1, base))
	out := m.Observe(obs(1, base.Add(300*time.Second)))
	require.Len(t, out.Created, 1)

	// Recovery needs its own 60 s dwell.
	recov := base.Add(310 * time.Second)
	out = m.Observe(obs(0, recov))
	assert.Zero(t, out.Resolved)

	out = m.Observe(obs(0, recov.Add(60*time.Second)))
	assert.Equal(t, 1, out.Resolved)

	// The resolve is latched; later stable ticks do nothing.
	out = m.Observe(obs(0, recov.Add(120*time.Second)))
	assert.Zero(t, out.Resolved)

	alarms, err := st.OpenAlarms("m1")
	require.NoError(t, err)
	assert.Empty(t, alarms)
}

func TestCooldownAfterRecovery(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()

	m.Observe(obs(1, base))
	out := m.Observe(obs(1, base.Add(300*time.Second)))
	require.Len(t, out.Created, 1)

	m.Observe(obs(0, base.Add(310*time.Second)))
	out = m.Observe(obs(0, base.Add(370*time.Second)))
	require.Equal(t, 1, out.Resolved)

	// Early wear returns and holds its dwell, but the 15 min cooldown for
	// the key is still running: no new alarm.
	m.Observe(obs(1, base.Add(380*time.Second)))
	out = m.Observe(obs(1, base.Add(680*time.Second)))
	assert.Empty(t, out.Created)
}

func TestResetDropsDwellTracking(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()

	m.Observe(obs(2, base))
	m.Reset()

	// After a reset the dwell starts over.
	out := m.Observe(obs(2, base.Add(60*time.Second)))
	assert.Empty(t, out.Created)
	out = m.Observe(obs(2, base.Add(120*time.Second)))
	assert.Len(t, out.Created, 1)
}
