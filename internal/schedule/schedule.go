// Package schedule computes the observation windows handed to the external
// threshold watcher. The watcher rejects any window shorter than a
// platform-imposed minimum, so window boundaries must be corrected here
// before they ever reach it.
package schedule

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrScheduleRejected is returned when a candidate window cannot satisfy the
// minimum interval. With the clamp rule below this should not happen; it is
// kept as a guard for misconfiguration.
var ErrScheduleRejected = errors.New("observation window shorter than minimum interval")

// Window is one accepted observation interval.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Manager computes observation windows. It keeps no state beyond the last
// window the watcher accepted.
type Manager struct {
	minInterval       time.Duration
	preferredInterval time.Duration
	logger            zerolog.Logger

	lastAccepted *Window
}

func NewManager(minInterval, preferredInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		minInterval:       minInterval,
		preferredInterval: preferredInterval,
		logger:            logger.With().Str("component", "schedule-manager").Logger(),
	}
}

// NextWindow returns the next observation window starting at now+offset.
// The returned window is always at least the minimum interval long: the
// preferred end is used when it stays inside the current day, the end is
// clamped to day-end when the remainder of the day still satisfies the
// minimum, and otherwise the window runs past midnight at full preferred
// length. Clamping to a sub-minimum remainder is the failure mode this
// exists to prevent.
func (m *Manager) NextWindow(now time.Time, offset time.Duration) (Window, error) {
	start := now.Add(offset)
	preferredEnd := start.Add(m.preferredInterval)
	dayEnd := endOfDay(start)

	var end time.Time
	switch {
	case !preferredEnd.After(dayEnd):
		end = preferredEnd
	case dayEnd.Sub(start) >= m.minInterval:
		end = dayEnd
	default:
		end = preferredEnd
	}

	w := Window{Start: start, End: end}
	if w.Duration() < m.minInterval {
		return Window{}, ErrScheduleRejected
	}

	m.logger.Debug().
		Time("start", w.Start).
		Time("end", w.End).
		Dur("duration", w.Duration()).
		Bool("crosses_day", end.After(dayEnd)).
		Msg("Computed observation window")

	return w, nil
}

// Accept records a window the watcher acknowledged.
func (m *Manager) Accept(w Window) {
	m.lastAccepted = &w
}

// LastAccepted returns the last window the watcher acknowledged, or nil.
func (m *Manager) LastAccepted() *Window {
	return m.lastAccepted
}

// endOfDay returns the start of the next calendar day in t's location.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
