package historian

import (
	"time"

	"github.com/meltline/meltline/internal/models"
)

// hardRowCap bounds the window regardless of the configured time span.
const hardRowCap = 5000

// Window is the in-memory rolling window of historian rows for one
// machine. Rows are strictly ordered by timestamp and unique by timestamp;
// nothing older than newest minus the span survives an Add. The window is
// owned by the poller task and never shared.
type Window struct {
	span time.Duration
	rows []*models.HistorianRow
}

// NewWindow creates a window bounded by span (and the hard row cap).
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 10 * time.Minute
	}
	return &Window{span: span}
}

// Add appends rows in ascending timestamp order, suppressing duplicates
// and out-of-order rows, then prunes. Returns the number of rows admitted.
func (w *Window) Add(rows ...*models.HistorianRow) int {
	added := 0
	for _, row := range rows {
		if row == nil {
			continue
		}
		if n := len(w.rows); n > 0 && !row.Timestamp.After(w.rows[n-1].Timestamp) {
			continue
		}
		w.rows = append(w.rows, row)
		added++
	}
	w.prune()
	return added
}

func (w *Window) prune() {
	n := len(w.rows)
	if n == 0 {
		return
	}
	cutoff := w.rows[n-1].Timestamp.Add(-w.span)
	start := 0
	for start < n-1 && w.rows[start].Timestamp.Before(cutoff) {
		start++
	}
	if n-start > hardRowCap {
		start = n - hardRowCap
	}
	if start > 0 {
		w.rows = append(w.rows[:0], w.rows[start:]...)
	}
}

// Rows returns the window contents oldest first. The returned slice is the
// window's own backing array; callers must not retain it across ticks.
func (w *Window) Rows() []*models.HistorianRow {
	return w.rows
}

// Newest returns the most recent row, or nil.
func (w *Window) Newest() *models.HistorianRow {
	if len(w.rows) == 0 {
		return nil
	}
	return w.rows[len(w.rows)-1]
}

// Len returns the current row count.
func (w *Window) Len() int { return len(w.rows) }

// Reset discards all rows (configuration change).
func (w *Window) Reset() { w.rows = w.rows[:0] }

// SetSpan adjusts the time bound and prunes immediately.
func (w *Window) SetSpan(span time.Duration) {
	if span > 0 {
		w.span = span
		w.prune()
	}
}
