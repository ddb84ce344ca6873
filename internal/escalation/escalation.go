// Package escalation tracks per-key misbehavior and walks offenders up a
// ladder of consequences: warn, throttle, time out, kick. Keys are
// persistent pubkey-derived ids where available, so reconnecting does not
// shed state; ephemeral agents start fresh by construction.
package escalation

import (
	"log"
	"sync"
	"time"
)

// Level is a rung on the escalation ladder.
type Level int

const (
	LevelNone Level = iota
	LevelWarned
	LevelThrottled
	LevelTimedOut
	LevelKicked
)

func (l Level) String() string {
	switch l {
	case LevelWarned:
		return "warned"
	case LevelThrottled:
		return "throttled"
	case LevelTimedOut:
		return "timed_out"
	case LevelKicked:
		return "kicked"
	default:
		return "none"
	}
}

// Action is what the caller should do about the violation just recorded.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionThrottle
	ActionTimeout
	ActionKick
)

// Params tunes the ladder. Zero fields take the defaults.
type Params struct {
	WarnAfter     int // violations in window before warn
	ThrottleAfter int
	TimeoutAfter  int
	KickAfter     int // timeouts remembered before kick

	Window        time.Duration // sliding violation window
	ThrottleFor   time.Duration
	TimeoutFor    time.Duration
	Cooldown      time.Duration // inactivity per level of decay
	TimeoutMemory time.Duration // how long timeout_count survives decay
}

// DefaultParams matches the documented ladder.
func DefaultParams() Params {
	return Params{
		WarnAfter:     3,
		ThrottleAfter: 6,
		TimeoutAfter:  10,
		KickAfter:     3,
		Window:        60 * time.Second,
		ThrottleFor:   5 * time.Second,
		TimeoutFor:    60 * time.Second,
		Cooldown:      5 * time.Minute,
		TimeoutMemory: time.Hour,
	}
}

type state struct {
	level           Level
	violations      []time.Time
	timeoutCount    int
	lastViolation   time.Time
	decayAnchor     time.Time // advances as levels are shed
	restrictedUntil time.Time
}

// Engine is the single-writer escalation book.
type Engine struct {
	mu     sync.Mutex
	params Params
	states map[string]*state
	logger *log.Logger
	now    func() time.Time
}

// NewEngine builds an engine with the given params.
func NewEngine(p Params) *Engine {
	d := DefaultParams()
	if p.WarnAfter <= 0 {
		p.WarnAfter = d.WarnAfter
	}
	if p.ThrottleAfter <= 0 {
		p.ThrottleAfter = d.ThrottleAfter
	}
	if p.TimeoutAfter <= 0 {
		p.TimeoutAfter = d.TimeoutAfter
	}
	if p.KickAfter <= 0 {
		p.KickAfter = d.KickAfter
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.ThrottleFor <= 0 {
		p.ThrottleFor = d.ThrottleFor
	}
	if p.TimeoutFor <= 0 {
		p.TimeoutFor = d.TimeoutFor
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.TimeoutMemory <= 0 {
		p.TimeoutMemory = d.TimeoutMemory
	}
	return &Engine{
		params: p,
		states: make(map[string]*state),
		logger: log.New(log.Writer(), "[ESCALATION] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Record registers one violation for key and returns the action the
// caller should take right now.
func (e *Engine) Record(key, reason string) Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	st := e.states[key]
	if st == nil {
		st = &state{}
		e.states[key] = st
	}
	e.decayLocked(st, now)

	st.lastViolation = now
	st.decayAnchor = now
	st.violations = append(st.violations, now)
	e.pruneLocked(st, now)

	count := len(st.violations)
	target := st.level
	switch {
	case count >= e.params.TimeoutAfter:
		target = LevelTimedOut
	case count >= e.params.ThrottleAfter:
		target = LevelThrottled
	case count >= e.params.WarnAfter:
		target = LevelWarned
	}
	if target < st.level {
		target = st.level
	}

	escalated := target > st.level
	st.level = target

	switch st.level {
	case LevelTimedOut:
		if escalated {
			st.timeoutCount++
			st.restrictedUntil = now.Add(e.params.TimeoutFor)
			// Timeouts reset the window so the next round of violations
			// climbs the ladder again instead of re-triggering instantly.
			st.violations = st.violations[:0]
		}
		if st.timeoutCount >= e.params.KickAfter {
			st.level = LevelKicked
			e.logger.Printf("kick key=%s after %d timeouts (reason: %s)", key, st.timeoutCount, reason)
			return ActionKick
		}
		if escalated {
			e.logger.Printf("timeout key=%s for %s (reason: %s)", key, e.params.TimeoutFor, reason)
			return ActionTimeout
		}
	case LevelThrottled:
		st.restrictedUntil = now.Add(e.params.ThrottleFor)
		if escalated {
			return ActionThrottle
		}
	case LevelWarned:
		if escalated {
			return ActionWarn
		}
	case LevelKicked:
		return ActionKick
	}
	return ActionNone
}

// Check reports whether key is currently blocked from acting and for how
// much longer. Kicked keys stay blocked until the ladder decays.
func (e *Engine) Check(key string) (blocked bool, until time.Time, level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	st := e.states[key]
	if st == nil {
		return false, time.Time{}, LevelNone
	}
	e.decayLocked(st, now)

	if st.level == LevelKicked {
		return true, time.Time{}, LevelKicked
	}
	if (st.level == LevelThrottled || st.level == LevelTimedOut) && now.Before(st.restrictedUntil) {
		return true, st.restrictedUntil, st.level
	}
	return false, time.Time{}, st.level
}

// Level returns the current (decayed) ladder position for key.
func (e *Engine) Level(key string) Level {
	_, _, l := e.Check(key)
	return l
}

// Forget drops all state for key (operator reset).
func (e *Engine) Forget(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, key)
}

// Sweep drops fully-decayed entries. Called from the housekeeping tick.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	removed := 0
	for key, st := range e.states {
		e.decayLocked(st, now)
		if st.level == LevelNone && st.timeoutCount == 0 && len(st.violations) == 0 {
			delete(e.states, key)
			removed++
		}
	}
	return removed
}

// decayLocked drops one level per full cooldown of inactivity. The anchor
// advances with each level shed so repeated reads are idempotent.
// Violations are zeroed on any level change; timeout_count only clears
// after timeout_memory, which outlives the cooldown so repeat offenders
// cannot wait out their history.
func (e *Engine) decayLocked(st *state, now time.Time) {
	if st.lastViolation.IsZero() {
		return
	}
	if drop := int(now.Sub(st.decayAnchor) / e.params.Cooldown); drop > 0 && st.level > LevelNone {
		if Level(drop) > st.level {
			drop = int(st.level)
		}
		st.level -= Level(drop)
		st.decayAnchor = st.decayAnchor.Add(time.Duration(drop) * e.params.Cooldown)
		st.violations = st.violations[:0]
	}
	if now.Sub(st.lastViolation) >= e.params.TimeoutMemory {
		st.timeoutCount = 0
	}
	e.pruneLocked(st, now)
}

func (e *Engine) pruneLocked(st *state, now time.Time) {
	cutoff := now.Add(-e.params.Window)
	keep := st.violations[:0]
	for _, ts := range st.violations {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	st.violations = keep
}
