package moderation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/escalation"
)

type stubPlugin struct {
	name     string
	action   Action
	err      error
	panics   bool
	dropped  []string
	lastSeen Event
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) Check(ev Event) (Action, error) {
	s.lastSeen = ev
	if s.panics {
		panic("stub exploded")
	}
	return s.action, s.err
}

func (s *stubPlugin) OnDisconnect(agentID string) { s.dropped = append(s.dropped, agentID) }

func TestStrictestWins(t *testing.T) {
	p := NewPipeline()
	p.Use(&stubPlugin{name: "a", action: Warn}, FailOpen)
	p.Use(&stubPlugin{name: "b", action: Block}, FailOpen)
	p.Use(&stubPlugin{name: "c", action: Throttle}, FailOpen)

	v := p.Run(Event{AgentID: "x", Content: "hi"})
	assert.Equal(t, Block, v.Action)
	assert.Equal(t, "b", v.Plugin)
}

func TestAdminBypasses(t *testing.T) {
	p := NewPipeline()
	p.Use(&stubPlugin{name: "a", action: Block}, FailOpen)

	v := p.Run(Event{AgentID: "x", Admin: true})
	assert.Equal(t, Allow, v.Action)
}

func TestChannelPluginsScoped(t *testing.T) {
	p := NewPipeline()
	scoped := &stubPlugin{name: "ops-only", action: Block}
	p.UseChannel("#ops", scoped, FailOpen)

	assert.Equal(t, Allow, p.Run(Event{Channel: "#general"}).Action)
	assert.Equal(t, Block, p.Run(Event{Channel: "#ops"}).Action)
}

func TestFailureRespectsFailMode(t *testing.T) {
	open := NewPipeline()
	open.Use(&stubPlugin{name: "flaky", err: errors.New("db down")}, FailOpen)
	assert.Equal(t, Allow, open.Run(Event{}).Action)

	closed := NewPipeline()
	closed.Use(&stubPlugin{name: "flaky", err: errors.New("db down")}, FailClosed)
	assert.Equal(t, Block, closed.Run(Event{}).Action)
}

func TestPanicIsContained(t *testing.T) {
	p := NewPipeline()
	p.Use(&stubPlugin{name: "bomb", panics: true}, FailClosed)

	var v Verdict
	assert.NotPanics(t, func() { v = p.Run(Event{}) })
	assert.Equal(t, Block, v.Action)
}

func TestOnDisconnectReachesStatefulPlugins(t *testing.T) {
	p := NewPipeline()
	global := &stubPlugin{name: "g"}
	scoped := &stubPlugin{name: "s"}
	p.Use(global, FailOpen)
	p.UseChannel("#x", scoped, FailOpen)

	p.OnDisconnect("agent1")
	assert.Equal(t, []string{"agent1"}, global.dropped)
	assert.Equal(t, []string{"agent1"}, scoped.dropped)
}

func TestLinkDetector(t *testing.T) {
	d, err := NewLinkDetector(60_000)
	require.NoError(t, err)

	fresh := Event{Content: "check https://spam.example", SessionMS: 1000}
	action, _ := d.Check(fresh)
	assert.Equal(t, Block, action, "fresh unverified session posting a URL")

	verified := fresh
	verified.Verified = true
	action, _ = d.Check(verified)
	assert.Equal(t, Allow, action)

	old := fresh
	old.SessionMS = 120_000
	action, _ = d.Check(old)
	assert.Equal(t, Allow, action, "session past the grace window")

	plain := Event{Content: "no links here", SessionMS: 1000}
	action, _ = d.Check(plain)
	assert.Equal(t, Allow, action)
}

func TestLinkDetectorCustomPattern(t *testing.T) {
	d, err := NewLinkDetector(-1, `(?i)\bexample\.onion\b`)
	require.NoError(t, err)

	action, _ := d.Check(Event{Content: "visit example.onion now"})
	assert.Equal(t, Block, action)

	_, err = NewLinkDetector(-1, `([`)
	assert.Error(t, err)
}

func TestEscalationAdapter(t *testing.T) {
	eng := escalation.NewEngine(escalation.Params{})
	for i := 0; i < 6; i++ {
		eng.Record("key1", "test")
	}

	a := NewEscalationAdapter(eng, nil)
	action, _ := a.Check(Event{AgentID: "key1"})
	assert.Equal(t, Throttle, action)

	action, _ = a.Check(Event{AgentID: "clean"})
	assert.Equal(t, Allow, action)
}
