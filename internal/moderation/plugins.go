package moderation

import (
	"regexp"

	"github.com/agentchat/relay/internal/escalation"
)

// LinkDetector blocks URLs posted by fresh, unverified connections.
// Verified senders always pass; so do sessions older than the grace
// window, on the theory that spam accounts post links immediately.
type LinkDetector struct {
	patterns []*regexp.Regexp
	graceMS  int64
}

var defaultLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://\S+`),
	regexp.MustCompile(`(?i)\bwww\.\S+\.\S+`),
}

// NewLinkDetector builds the detector. Extra patterns extend the default
// URL matchers; graceMS below zero means "always check".
func NewLinkDetector(graceMS int64, extra ...string) (*LinkDetector, error) {
	d := &LinkDetector{
		patterns: append([]*regexp.Regexp(nil), defaultLinkPatterns...),
		graceMS:  graceMS,
	}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func (*LinkDetector) Name() string { return "link_detector" }

func (d *LinkDetector) Check(ev Event) (Action, error) {
	if ev.Verified {
		return Allow, nil
	}
	if d.graceMS >= 0 && ev.SessionMS > d.graceMS {
		return Allow, nil
	}
	for _, re := range d.patterns {
		if re.MatchString(ev.Content) {
			return Block, nil
		}
	}
	return Allow, nil
}

// EscalationAdapter surfaces the escalation ladder's current restriction
// as a moderation action, so throttled or timed-out agents are held back
// on the same path as content checks.
type EscalationAdapter struct {
	engine *escalation.Engine
	keyFor func(agentID string) string
}

// NewEscalationAdapter wires an engine in. keyFor maps the session agent
// id to the escalation key (persistent pubkey id where available); nil
// means the agent id is the key.
func NewEscalationAdapter(engine *escalation.Engine, keyFor func(string) string) *EscalationAdapter {
	if keyFor == nil {
		keyFor = func(id string) string { return id }
	}
	return &EscalationAdapter{engine: engine, keyFor: keyFor}
}

func (*EscalationAdapter) Name() string { return "escalation" }

func (a *EscalationAdapter) Check(ev Event) (Action, error) {
	blocked, _, level := a.engine.Check(a.keyFor(ev.AgentID))
	if !blocked {
		return Allow, nil
	}
	switch level {
	case escalation.LevelThrottled:
		return Throttle, nil
	default:
		return Block, nil
	}
}
