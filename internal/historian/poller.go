// Package historian implements the read-only change-data-capture loop over
// the external MSSQL process historian. The poller incrementally streams
// new rows into an in-memory rolling window and drives the downstream
// pipeline; it never writes to the historian.
package historian

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog/log"

	"github.com/meltline/meltline/internal/config"
	interrors "github.com/meltline/meltline/internal/errors"
	"github.com/meltline/meltline/internal/models"
	"github.com/meltline/meltline/internal/store"
	"github.com/meltline/meltline/internal/telemetry"
)

const (
	// settingsReloadInterval throttles runtime-config reloads.
	settingsReloadInterval = 30 * time.Second
	// backoffCeiling caps the failure backoff.
	backoffCeiling = 300 * time.Second
	// stopTimeout bounds the graceful-stop wait.
	stopTimeout = 10 * time.Second
)

// Sink receives each newly admitted row together with the rolling window
// up to that row. Rows arrive in strict timestamp order per machine.
type Sink interface {
	HandleTick(ctx context.Context, machineID string, row *models.HistorianRow, window []*models.HistorianRow)
}

// Status is the poller's read-only status view.
type Status struct {
	Configured          bool      `json:"configured"`
	Enabled             bool      `json:"enabled"`
	LastAttempt         time.Time `json:"lastAttempt"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorAt         time.Time `json:"lastErrorAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	WindowSize          int       `json:"windowSize"`
	HighWaterMark       time.Time `json:"highWaterMark"`
}

// Poller runs the CDC loop for one machine.
type Poller struct {
	machineID     string
	masterEnabled bool
	envCfg        config.HistorianConfig
	store         *store.Store
	sink          Sink

	mu        sync.Mutex
	status    Status
	activeCfg config.HistorianConfig
	fprint    string

	// owned by the run goroutine; progress is mirrored into status under mu
	db        *sql.DB
	window    *Window
	highWater time.Time

	failures      int
	lastReload    time.Time
	reloadPending bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// injectable for tests
	openDB func(config.HistorianConfig) (*sql.DB, error)
	now    func() time.Time
}

// NewPoller builds a poller. masterEnabled reflects the MSSQL_ENABLED
// environment toggle; the runtime settings blob can still disable polling
// on top of it, never enable it past a master off.
func NewPoller(machineID string, masterEnabled bool, envCfg config.HistorianConfig, st *store.Store, sink Sink) *Poller {
	return &Poller{
		machineID:     machineID,
		masterEnabled: masterEnabled,
		envCfg:        envCfg,
		store:         st,
		sink:          sink,
		window:        NewWindow(envCfg.Window()),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		openDB:        openHistorianDB,
		now:           time.Now,
	}
}

// Start launches the single background polling task. Idempotent.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// Stop requests a graceful stop and waits up to 10 s for the loop to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	select {
	case <-p.doneCh:
	case <-time.After(stopTimeout):
		log.Warn().Str("machine", p.machineID).Msg("Historian poller did not stop within timeout")
	}
}

// RequestReload marks the settings cache dirty so the next tick reloads
// immediately (still subject to the 30 s throttle relative to the last
// actual reload).
func (p *Poller) RequestReload() {
	p.mu.Lock()
	p.reloadPending = true
	p.mu.Unlock()
}

// Status returns a copy of the current status view.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// publishProgress mirrors the run goroutine's window and high-water state
// into the status view. Called from the run goroutine only.
func (p *Poller) publishProgress() {
	p.mu.Lock()
	p.status.WindowSize = p.window.Len()
	p.status.HighWaterMark = p.highWater
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	defer func() {
		if p.db != nil {
			p.db.Close()
		}
	}()

	log.Info().Str("machine", p.machineID).Msg("Historian poller started")

	// Resume from the persisted high-water mark so a restart never
	// re-emits rows already processed.
	if hwm, err := p.store.HighWaterMark(p.machineID); err == nil && !hwm.IsZero() {
		p.highWater = hwm
		p.publishProgress()
	}

	for {
		delay := p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// tick performs one polling cycle and returns the delay before the next.
func (p *Poller) tick(ctx context.Context) time.Duration {
	cfg := p.reloadConfig()

	p.mu.Lock()
	p.status.LastAttempt = p.now()
	p.status.Configured = cfg.Validate() == nil
	p.status.Enabled = p.masterEnabled && cfg.Enabled && p.status.Configured
	enabled := p.status.Enabled
	p.mu.Unlock()

	if !enabled {
		return cfg.PollInterval()
	}

	if err := p.poll(ctx, cfg); err != nil {
		return p.recordFailure(cfg, err)
	}

	p.mu.Lock()
	p.failures = 0
	p.status.ConsecutiveFailures = 0
	p.status.LastSuccess = p.now()
	p.status.LastError = ""
	p.mu.Unlock()
	telemetry.PollResults.WithLabelValues(p.machineID, "success").Inc()
	return cfg.PollInterval()
}

// reloadConfig merges the runtime settings blob over the environment
// defaults, at most once per 30 s. A fingerprint change resets the window
// and the high-water mark.
func (p *Poller) reloadConfig() config.HistorianConfig {
	p.mu.Lock()
	pending := p.reloadPending
	stale := p.now().Sub(p.lastReload) >= settingsReloadInterval
	p.mu.Unlock()

	if !pending && !stale && p.fprint != "" {
		return p.activeCfg
	}

	cfg := p.envCfg
	var override config.HistorianConfig
	if ok, err := p.store.GetSettingJSON(store.SettingHistorianConnection, &override); err != nil {
		log.Warn().Err(err).Msg("Failed to read historian settings, keeping environment config")
	} else if ok {
		cfg = override
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReload = p.now()
	p.reloadPending = false

	fp := cfg.Fingerprint()
	if p.fprint != "" && fp != p.fprint {
		log.Info().Str("machine", p.machineID).Msg("Historian configuration changed, resetting window and high-water mark")
		p.window.Reset()
		p.highWater = time.Time{}
		if err := p.store.ClearHighWaterMark(p.machineID); err != nil {
			log.Warn().Err(err).Msg("Failed to clear persisted high-water mark")
		}
		if p.db != nil {
			p.db.Close()
			p.db = nil
		}
	}
	p.fprint = fp
	p.activeCfg = cfg
	p.window.SetSpan(cfg.Window())
	p.status.WindowSize = p.window.Len()
	p.status.HighWaterMark = p.highWater
	return cfg
}

func (p *Poller) poll(ctx context.Context, cfg config.HistorianConfig) error {
	if p.db == nil {
		db, err := p.openDB(cfg)
		if err != nil {
			return interrors.New(interrors.ErrorTypeConnection, "historian_connect", p.machineID, err)
		}
		p.db = db
	}

	var (
		query string
		arg   time.Time
		err   error
	)
	if p.highWater.IsZero() {
		query, err = BuildColdStartQuery(cfg)
		arg = p.now().Add(-cfg.Window())
	} else {
		query, err = BuildIncrementalQuery(cfg)
		arg = p.highWater
	}
	if err != nil {
		// Identifier failures are misconfiguration, not transient I/O.
		return interrors.New(interrors.ErrorTypeConfig, "historian_query_build", p.machineID, err)
	}

	rows, err := p.fetch(ctx, query, arg)
	if err != nil {
		return interrors.New(interrors.ErrorTypeConnection, "historian_query", p.machineID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	for _, row := range rows {
		if p.window.Add(row) == 0 {
			continue // duplicate or out-of-order timestamp
		}
		if row.Timestamp.After(p.highWater) {
			p.highWater = row.Timestamp
		}
		if p.sink != nil {
			p.sink.HandleTick(ctx, p.machineID, row, p.window.Rows())
		}
	}

	p.publishProgress()
	if err := p.store.SetHighWaterMark(p.machineID, p.highWater); err != nil {
		log.Warn().Err(err).Msg("Failed to persist high-water mark")
	}

	log.Debug().Str("machine", p.machineID).Int("rows", len(rows)).
		Int("window", p.window.Len()).Time("highWater", p.highWater).
		Msg("Historian poll completed")
	return nil
}

// fetch runs the query on a separate goroutine so a slow historian cannot
// wedge the polling loop past its context deadline.
func (p *Poller) fetch(ctx context.Context, query string, arg time.Time) ([]*models.HistorianRow, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	type result struct {
		rows []*models.HistorianRow
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		rows, err := p.queryRows(queryCtx, query, arg)
		resCh <- result{rows, err}
	}()

	select {
	case <-queryCtx.Done():
		return nil, queryCtx.Err()
	case res := <-resCh:
		return res.rows, res.err
	}
}

func (p *Poller) queryRows(ctx context.Context, query string, arg time.Time) ([]*models.HistorianRow, error) {
	rs, err := p.db.QueryContext(ctx, query, sql.Named("p1", arg))
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []*models.HistorianRow
	for rs.Next() {
		var ts time.Time
		var rpm, pressure, t1, t2, t3, t4 sql.NullFloat64
		if err := rs.Scan(&ts, &rpm, &pressure, &t1, &t2, &t3, &t4); err != nil {
			return nil, err
		}
		out = append(out, &models.HistorianRow{
			Timestamp:   ts,
			ScrewRPM:    nullToPtr(rpm),
			PressureBar: nullToPtr(pressure),
			TempZone1:   nullToPtr(t1),
			TempZone2:   nullToPtr(t2),
			TempZone3:   nullToPtr(t3),
			TempZone4:   nullToPtr(t4),
		})
	}
	return out, rs.Err()
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// recordFailure updates the failure counters and returns the backoff
// delay: min(2^failures, 300 s) for transient errors, the plain interval
// for configuration errors (no retry acceleration).
func (p *Poller) recordFailure(cfg config.HistorianConfig, err error) time.Duration {
	p.mu.Lock()
	p.failures++
	p.status.ConsecutiveFailures = p.failures
	p.status.LastError = err.Error()
	p.status.LastErrorAt = p.now()
	failures := p.failures
	p.mu.Unlock()
	telemetry.PollResults.WithLabelValues(p.machineID, "failure").Inc()

	if !interrors.IsRetryable(err) {
		log.Error().Err(err).Str("machine", p.machineID).
			Msg("Historian poller misconfigured; polling stays disabled until settings change")
		return cfg.PollInterval()
	}

	delay := backoffDelay(failures)
	log.Warn().Err(err).Str("machine", p.machineID).
		Int("failures", failures).Dur("retryIn", delay).
		Msg("Historian poll failed, backing off")
	return delay
}

// backoffDelay is min(2^failures, 300 s).
func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	secs := math.Pow(2, float64(failures))
	if secs > backoffCeiling.Seconds() {
		return backoffCeiling
	}
	return time.Duration(secs * float64(time.Second))
}

func openHistorianDB(cfg config.HistorianConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	q.Set("app name", "meltline-historian")
	u.RawQuery = q.Encode()

	db, err := sql.Open("sqlserver", u.String())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
