package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, p Policy) *Gate {
	t.Helper()
	p.DataDir = t.TempDir()
	g, err := NewGate(p)
	require.NoError(t, err)
	return g
}

func TestBanlistWinsOverAllowlist(t *testing.T) {
	g := newGate(t, Policy{AllowlistEnabled: true})

	require.NoError(t, g.Approve(ListEntry{PubKey: "K", AgentID: "a1"}))
	assert.Equal(t, Admit, g.CheckKey("K"))

	require.NoError(t, g.Ban(ListEntry{PubKey: "K", AgentID: "a1"}))
	assert.Equal(t, Banned, g.CheckKey("K"))
}

func TestAllowlistGating(t *testing.T) {
	g := newGate(t, Policy{AllowlistEnabled: true})
	assert.Equal(t, NotAllowed, g.CheckKey("unknown"))

	open := newGate(t, Policy{})
	assert.Equal(t, Admit, open.CheckKey("unknown"))
}

func TestStrictModeBlocksEphemeral(t *testing.T) {
	assert.False(t, newGate(t, Policy{AllowlistEnabled: true, Strict: true}).AllowsEphemeral())
	assert.True(t, newGate(t, Policy{AllowlistEnabled: true}).AllowsEphemeral())
	assert.True(t, newGate(t, Policy{Strict: true}).AllowsEphemeral(), "strict only applies with allowlist on")
}

func TestLurkWindow(t *testing.T) {
	g := newGate(t, Policy{LurkWindow: time.Hour})
	now := time.Now()

	until, first := g.Observe("K", now)
	assert.True(t, first)
	assert.Equal(t, now.UnixMilli(), g.FirstSeenAt("K").UnixMilli())
	assert.WithinDuration(t, now.Add(time.Hour), until, time.Second)

	// Re-observing within the window keeps the original deadline.
	until2, first2 := g.Observe("K", now.Add(30*time.Minute))
	assert.False(t, first2)
	assert.Equal(t, until.UnixMilli(), until2.UnixMilli())

	// Past the window the key lurks no more.
	until3, _ := g.Observe("K", now.Add(2*time.Hour))
	assert.True(t, until3.IsZero())
}

func TestLurkDisabled(t *testing.T) {
	g := newGate(t, Policy{LurkDisabled: true})
	until, first := g.Observe("K", time.Now())
	assert.True(t, first)
	assert.True(t, until.IsZero())
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	g, err := NewGate(Policy{AllowlistEnabled: true, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, g.Approve(ListEntry{PubKey: "K1", AgentID: "a1"}))
	require.NoError(t, g.Ban(ListEntry{PubKey: "K2", AgentID: "a2"}))
	g.Observe("K3", time.Now())

	g2, err := NewGate(Policy{AllowlistEnabled: true, DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, Admit, g2.CheckKey("K1"))
	assert.Equal(t, Banned, g2.CheckKey("K2"))
	assert.False(t, g2.FirstSeenAt("K3").IsZero())
}
