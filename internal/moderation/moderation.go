// Package moderation runs composable content checks over inbound events.
// Plugins return one of allow/warn/throttle/block and the pipeline
// collapses their results with strictest-wins.
package moderation

import (
	"fmt"
	"log"
	"sync"
)

// Action is a plugin's judgement, ordered by severity.
type Action int

const (
	Allow Action = iota
	Warn
	Throttle
	Block
)

func (a Action) String() string {
	switch a {
	case Warn:
		return "warn"
	case Throttle:
		return "throttle"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

// FailMode decides what a crashing plugin means for the event.
type FailMode int

const (
	FailOpen   FailMode = iota // plugin error counts as allow
	FailClosed                 // plugin error counts as block
)

// Event is the moderation view of one inbound message.
type Event struct {
	AgentID   string
	Channel   string
	Content   string
	Verified  bool
	Admin     bool
	SessionMS int64 // milliseconds since the sender's connection opened
}

// Plugin checks one event. Implementations must be safe for concurrent
// calls; the pipeline fans plugins out in parallel.
type Plugin interface {
	Name() string
	Check(Event) (Action, error)
}

// Disconnector is implemented by plugins that keep per-agent state.
type Disconnector interface {
	OnDisconnect(agentID string)
}

// Verdict is the collapsed pipeline result.
type Verdict struct {
	Action Action
	Plugin string // plugin that produced the winning action
}

type registered struct {
	plugin Plugin
	fail   FailMode
}

// Pipeline holds global plugins plus per-channel plugins.
type Pipeline struct {
	mu      sync.RWMutex
	global  []registered
	channel map[string][]registered
	logger  *log.Logger
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		channel: make(map[string][]registered),
		logger:  log.New(log.Writer(), "[MODERATION] ", log.LstdFlags),
	}
}

// Use registers a global plugin.
func (p *Pipeline) Use(plugin Plugin, fail FailMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = append(p.global, registered{plugin, fail})
}

// UseChannel registers a plugin that only sees events in one channel.
func (p *Pipeline) UseChannel(channel string, plugin Plugin, fail FailMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel[channel] = append(p.channel[channel], registered{plugin, fail})
}

// Run checks ev against every applicable plugin and collapses the
// results. Admin-marked events bypass the pipeline entirely.
func (p *Pipeline) Run(ev Event) Verdict {
	if ev.Admin {
		return Verdict{Action: Allow}
	}

	p.mu.RLock()
	plugins := append([]registered(nil), p.global...)
	if ev.Channel != "" {
		plugins = append(plugins, p.channel[ev.Channel]...)
	}
	p.mu.RUnlock()

	if len(plugins) == 0 {
		return Verdict{Action: Allow}
	}

	results := make([]Verdict, len(plugins))
	var wg sync.WaitGroup
	for i, reg := range plugins {
		wg.Add(1)
		go func(i int, reg registered) {
			defer wg.Done()
			results[i] = p.check(reg, ev)
		}(i, reg)
	}
	wg.Wait()

	winner := Verdict{Action: Allow}
	for _, r := range results {
		if r.Action > winner.Action {
			winner = r
		}
	}
	return winner
}

// OnDisconnect lets stateful plugins garbage-collect.
func (p *Pipeline) OnDisconnect(agentID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, reg := range p.global {
		if d, ok := reg.plugin.(Disconnector); ok {
			d.OnDisconnect(agentID)
		}
	}
	for _, regs := range p.channel {
		for _, reg := range regs {
			if d, ok := reg.plugin.(Disconnector); ok {
				d.OnDisconnect(agentID)
			}
		}
	}
}

func (p *Pipeline) check(reg registered, ev Event) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = p.failed(reg, fmt.Errorf("panic: %v", r))
		}
	}()
	action, err := reg.plugin.Check(ev)
	if err != nil {
		return p.failed(reg, err)
	}
	return Verdict{Action: action, Plugin: reg.plugin.Name()}
}

func (p *Pipeline) failed(reg registered, err error) Verdict {
	p.logger.Printf("plugin %s failed: %v", reg.plugin.Name(), err)
	if reg.fail == FailClosed {
		return Verdict{Action: Block, Plugin: reg.plugin.Name()}
	}
	return Verdict{Action: Allow, Plugin: reg.plugin.Name()}
}
