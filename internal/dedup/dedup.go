// Package dedup turns the external watcher's noisy threshold events into
// validated usage deltas. The watcher re-delivers its whole threshold ladder
// after a schedule restart, so every event must be checked against the
// largest threshold already accepted for that app.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// DefaultQuantum is the spacing between consecutive threshold boundaries.
const DefaultQuantum = 60 * time.Second

// Delta is one accepted usage increment for an app.
type Delta struct {
	LogicalID  string
	Seconds    int64
	ObservedAt time.Time
}

type appState struct {
	lastThreshold int64
	lastDay       time.Time
}

// Engine enforces per-app threshold monotonicity. A threshold at or below
// the last accepted one is a duplicate or a replay and yields nothing; a
// strictly larger one yields exactly one quantum regardless of the size of
// the jump, because thresholds are regularly spaced steps.
type Engine struct {
	quantum time.Duration
	loc     *time.Location
	logger  zerolog.Logger

	mu    sync.Mutex
	state map[string]*appState
}

func NewEngine(quantum time.Duration, loc *time.Location, logger zerolog.Logger) *Engine {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		quantum: quantum,
		loc:     loc,
		logger:  logger.With().Str("component", "threshold-dedup").Logger(),
		state:   make(map[string]*appState),
	}
}

// Quantum returns the configured threshold spacing.
func (e *Engine) Quantum() time.Duration {
	return e.quantum
}

// Apply validates one raw threshold event. It returns the accepted delta and
// true, or a zero Delta and false when the event is a duplicate or a replay.
// Per-app state resets when observedAt falls on a new calendar day.
func (e *Engine) Apply(logicalID string, thresholdSeconds int64, observedAt time.Time) (Delta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := dayOf(observedAt, e.loc)

	st, ok := e.state[logicalID]
	if !ok {
		st = &appState{lastDay: day}
		e.state[logicalID] = st
	} else if !st.lastDay.Equal(day) {
		// Day rollover: the watcher's counter starts over, so must we.
		st.lastThreshold = 0
		st.lastDay = day
	}

	if thresholdSeconds <= st.lastThreshold {
		e.logger.Debug().
			Str("logical_id", logicalID).
			Int64("threshold", thresholdSeconds).
			Int64("last_threshold", st.lastThreshold).
			Msg("Rejected replayed threshold")
		return Delta{}, false
	}

	st.lastThreshold = thresholdSeconds

	return Delta{
		LogicalID:  logicalID,
		Seconds:    int64(e.quantum / time.Second),
		ObservedAt: observedAt,
	}, true
}

// LastThreshold returns the largest threshold accepted for an app today.
func (e *Engine) LastThreshold(logicalID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[logicalID]; ok {
		return st.lastThreshold
	}
	return 0
}

// Reset clears all per-app state, e.g. at a forced day rollover.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = make(map[string]*appState)
}

// LadderName derives the watcher-facing identifier for an app's threshold
// ladder from the app's stable logical id. Deriving it from the app's
// position in the configuration list would silently reassign ladders when
// apps are added or removed, and replay would then double-count usage.
func LadderName(logicalID string) string {
	return fmt.Sprintf("ladder_%016x", xxhash.Sum64String(logicalID))
}

// ThresholdName names one step of an app's ladder.
func ThresholdName(logicalID string, step int) string {
	return fmt.Sprintf("%s_t%d", LadderName(logicalID), step)
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
