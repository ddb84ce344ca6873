package escalation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	e := NewEngine(Params{})
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func record(e *Engine, key string, n int) Action {
	var last Action
	for i := 0; i < n; i++ {
		last = e.Record(key, fmt.Sprintf("violation %d", i))
	}
	return last
}

func TestLadderClimbsAtThresholds(t *testing.T) {
	e, _ := newEngine(t)

	assert.Equal(t, ActionNone, record(e, "k", 2))
	assert.Equal(t, ActionWarn, e.Record("k", "third"))
	assert.Equal(t, ActionNone, record(e, "k", 2))
	assert.Equal(t, ActionThrottle, e.Record("k", "sixth"))
	assert.Equal(t, ActionNone, record(e, "k", 3))
	assert.Equal(t, ActionTimeout, e.Record("k", "tenth"))
	assert.Equal(t, LevelTimedOut, e.Level("k"))
}

func TestThrottleBlocksForDuration(t *testing.T) {
	e, now := newEngine(t)
	record(e, "k", 6)

	blocked, until, level := e.Check("k")
	assert.True(t, blocked)
	assert.Equal(t, LevelThrottled, level)
	assert.Equal(t, now.Add(5*time.Second), until)

	*now = now.Add(6 * time.Second)
	blocked, _, _ = e.Check("k")
	assert.False(t, blocked, "throttle lifts after its duration")
}

func TestThreeTimeoutsKick(t *testing.T) {
	e, now := newEngine(t)

	for round := 0; round < 2; round++ {
		record(e, "k", 10)
		// Let the timeout lapse and the ladder decay fully between rounds,
		// staying inside the timeout memory.
		*now = now.Add(20 * time.Minute)
		assert.Equal(t, LevelNone, e.Level("k"))
	}

	assert.Equal(t, ActionKick, record(e, "k", 10))
	blocked, _, level := e.Check("k")
	assert.True(t, blocked)
	assert.Equal(t, LevelKicked, level)
}

func TestTimeoutMemoryOutlivesDecay(t *testing.T) {
	e, now := newEngine(t)
	record(e, "k", 10)

	// Full level decay, but still within the hour of timeout memory.
	*now = now.Add(30 * time.Minute)
	require.Equal(t, LevelNone, e.Level("k"))

	e.mu.Lock()
	count := e.states["k"].timeoutCount
	e.mu.Unlock()
	assert.Equal(t, 1, count, "timeout count must survive level decay")

	*now = now.Add(time.Hour)
	e.Level("k")
	e.mu.Lock()
	count = e.states["k"].timeoutCount
	e.mu.Unlock()
	assert.Zero(t, count)
}

func TestDecayDropsOneLevelPerCooldown(t *testing.T) {
	e, now := newEngine(t)
	record(e, "k", 6)
	require.Equal(t, LevelThrottled, e.Level("k"))

	*now = now.Add(5 * time.Minute)
	assert.Equal(t, LevelWarned, e.Level("k"))

	*now = now.Add(5 * time.Minute)
	assert.Equal(t, LevelNone, e.Level("k"))
}

func TestWindowForgetsOldViolations(t *testing.T) {
	e, now := newEngine(t)
	record(e, "k", 2)

	*now = now.Add(61 * time.Second)
	assert.Equal(t, ActionNone, e.Record("k", "stale window"),
		"violations outside the window must not count toward warn")
}

func TestKeysAreIndependent(t *testing.T) {
	e, _ := newEngine(t)
	record(e, "a", 6)
	assert.Equal(t, LevelNone, e.Level("b"))
}

func TestSweepDropsCleanEntries(t *testing.T) {
	e, now := newEngine(t)
	record(e, "k", 3)

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, e.Sweep())
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.states)
}

func TestForgetResets(t *testing.T) {
	e, _ := newEngine(t)
	record(e, "k", 10)
	e.Forget("k")
	assert.Equal(t, LevelNone, e.Level("k"))
}
