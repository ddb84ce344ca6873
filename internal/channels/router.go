// Package channels routes messages between agents and named channels,
// keeps per-channel replay buffers, and enforces membership, invite, and
// verified-only policy.
package channels

import (
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/redact"
	"github.com/agentchat/relay/internal/registry"
)

// DefaultBufferSize is the replay depth per channel.
const DefaultBufferSize = 200

// OpsChannel is reserved for verified agents.
const OpsChannel = "#ops"

// ReceiptsChannel buffers terminal proposal and verdict events so late
// joiners can replay them.
const ReceiptsChannel = "#receipts"

var nameRe = regexp.MustCompile(`^#[a-zA-Z0-9_-]+$`)

// Deliverer pushes one frame to a live agent. Offline targets are
// silently dropped by the implementation.
type Deliverer func(agentID string, t protocol.MsgType, frame any)

type channel struct {
	name         string
	inviteOnly   bool
	verifiedOnly bool
	invited      map[string]bool
	members      map[string]bool
	buffer       []protocol.MsgOut
	lastActivity time.Time
}

// Router is the single-writer channel table.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channel
	reg      *registry.Registry
	redactor *redact.Redactor
	deliver  Deliverer
	bufSize  int
	logger   *log.Logger
	now      func() time.Time
}

func NewRouter(reg *registry.Registry, redactor *redact.Redactor, deliver Deliverer, bufSize int) *Router {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	r := &Router{
		channels: make(map[string]*channel),
		reg:      reg,
		redactor: redactor,
		deliver:  deliver,
		bufSize:  bufSize,
		logger:   log.New(log.Writer(), "[CHANNELS] ", log.LstdFlags),
		now:      time.Now,
	}
	r.channels[OpsChannel] = &channel{
		name:         OpsChannel,
		verifiedOnly: true,
		invited:      make(map[string]bool),
		members:      make(map[string]bool),
	}
	return r
}

// Join adds the agent to name, creating the channel on first join.
func (r *Router) Join(agent *registry.Agent, name string) error {
	if !nameRe.MatchString(name) {
		return protocol.Errorf(protocol.ErrInvalidName, "channel names match #[a-zA-Z0-9_-]+")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{
			name:    name,
			invited: make(map[string]bool),
			members: make(map[string]bool),
		}
		r.channels[name] = ch
	}
	if ch.verifiedOnly && !agent.Verified {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrNotAllowed, name+" is restricted to verified agents")
	}
	if ch.inviteOnly && !ch.invited[agent.ID] && !ch.members[agent.ID] {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrNotInvited, "channel is invite-only")
	}
	already := ch.members[agent.ID]
	ch.members[agent.ID] = true
	ch.lastActivity = r.now()
	roster := r.rosterLocked(ch)
	others := r.otherMembersLocked(ch, agent.ID)
	replay := append([]protocol.MsgOut(nil), ch.buffer...)
	r.mu.Unlock()

	r.reg.Join(agent.ID, name)

	r.deliver(agent.ID, protocol.TypeJoined, &protocol.Joined{Channel: name, Agents: roster})
	if !already {
		for _, id := range others {
			r.deliver(id, protocol.TypeAgentJoined, &protocol.AgentJoined{
				Channel: name, Agent: agent.ID, Name: agent.DisplayName(),
			})
		}
	}
	for _, m := range replay {
		m := m
		m.Replay = true
		r.deliver(agent.ID, protocol.TypeMsg, &m)
	}
	return nil
}

// Leave removes the agent from name.
func (r *Router) Leave(agent *registry.Agent, name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok || !ch.members[agent.ID] {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrChannelNotFound, "not in "+name)
	}
	delete(ch.members, agent.ID)
	others := r.otherMembersLocked(ch, agent.ID)
	r.mu.Unlock()

	r.reg.Leave(agent.ID, name)

	r.deliver(agent.ID, protocol.TypeLeft, &protocol.Left{Channel: name})
	for _, id := range others {
		r.deliver(id, protocol.TypeAgentLeft, &protocol.AgentLeft{
			Channel: name, Agent: agent.ID, Name: agent.DisplayName(),
		})
	}
	return nil
}

// Create makes a channel with explicit flags; the creator joins it and is
// always on the invited set.
func (r *Router) Create(agent *registry.Agent, name string, inviteOnly, verifiedOnly bool) error {
	if !nameRe.MatchString(name) {
		return protocol.Errorf(protocol.ErrInvalidName, "channel names match #[a-zA-Z0-9_-]+")
	}

	r.mu.Lock()
	if _, ok := r.channels[name]; ok {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrChannelExists, name+" already exists")
	}
	r.channels[name] = &channel{
		name:         name,
		inviteOnly:   inviteOnly,
		verifiedOnly: verifiedOnly,
		invited:      map[string]bool{agent.ID: true},
		members:      make(map[string]bool),
		lastActivity: r.now(),
	}
	r.mu.Unlock()

	return r.Join(agent, name)
}

// Invite lets a member add an agent to a channel's invited set. The
// target gets a synthetic server message so it learns about the invite.
func (r *Router) Invite(agent *registry.Agent, name, targetID string) error {
	target := r.reg.Resolve(targetID)
	if target == nil {
		return protocol.Errorf(protocol.ErrAgentNotFound, targetID+" is not online")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrChannelNotFound, name+" does not exist")
	}
	if !ch.members[agent.ID] {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrNotAllowed, "only members can invite")
	}
	ch.invited[target.ID] = true
	r.mu.Unlock()

	r.deliver(target.ID, protocol.TypeMsg, &protocol.MsgOut{
		MsgID:   "msg_" + uuid.NewString(),
		From:    protocol.ServerAgent,
		To:      "@" + target.ID,
		Content: agent.DisplayName() + " invited you to " + name,
		Ts:      r.now().UnixMilli(),
	})
	return nil
}

// SendMessage routes a MSG. Channel targets fan out to members except the
// sender; direct targets go to one session and are dropped if offline.
// Content passes through the redactor before anything leaves the router.
func (r *Router) SendMessage(from *registry.Agent, to, content string) (*protocol.MsgOut, error) {
	if to == protocol.ServerAgent {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "@server is reserved")
	}
	if from.InLurk(r.now()) {
		return nil, protocol.Errorf(protocol.ErrNotAllowed, "lurk window active: read-only until it passes")
	}

	msg := protocol.MsgOut{
		MsgID:    "msg_" + uuid.NewString(),
		From:     from.ID,
		FromName: from.DisplayName(),
		To:       to,
		Content:  r.redactor.Redact(content),
		Verified: from.Verified,
		Ts:       r.now().UnixMilli(),
	}

	if strings.HasPrefix(to, "#") {
		if err := r.fanOut(from, to, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	if target := r.reg.Resolve(to); target != nil {
		r.deliver(target.ID, protocol.TypeMsg, &msg)
	}
	return &msg, nil
}

// Inject delivers a prebuilt frame into a channel buffer and fan-out,
// bypassing sender policy. Used for synthetic server messages and
// proposal/verdict receipt events; the channel is created if absent so
// the buffer survives before anyone joins.
func (r *Router) Inject(name string, msg protocol.MsgOut) {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{
			name:    name,
			invited: make(map[string]bool),
			members: make(map[string]bool),
		}
		r.channels[name] = ch
	}
	r.bufferLocked(ch, msg)
	members := r.otherMembersLocked(ch, msg.From)
	r.mu.Unlock()

	for _, id := range members {
		r.deliver(id, protocol.TypeMsg, &msg)
	}
}

// Typing fans a typing indicator to the other members.
func (r *Router) Typing(from *registry.Agent, name string) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	if !ok || !ch.members[from.ID] {
		r.mu.RUnlock()
		return
	}
	others := r.otherMembersLocked(ch, from.ID)
	r.mu.RUnlock()

	for _, id := range others {
		r.deliver(id, protocol.TypeTyping, &protocol.TypingOut{
			Channel: name, Agent: from.ID, Name: from.DisplayName(),
		})
	}
}

// SendFileChunk routes a FILE_CHUNK. Chunks are not buffered or redacted;
// the payload is opaque base64.
func (r *Router) SendFileChunk(from *registry.Agent, fc *protocol.FileChunk) error {
	out := protocol.FileChunkOut{
		From: from.ID, To: fc.To, Name: fc.Name, Seq: fc.Seq, Data: fc.Data, Final: fc.Final,
	}
	if strings.HasPrefix(fc.To, "#") {
		r.mu.RLock()
		ch, ok := r.channels[fc.To]
		if !ok || !ch.members[from.ID] {
			r.mu.RUnlock()
			return protocol.Errorf(protocol.ErrChannelNotFound, "not in "+fc.To)
		}
		others := r.otherMembersLocked(ch, from.ID)
		r.mu.RUnlock()
		for _, id := range others {
			r.deliver(id, protocol.TypeFileChunk, &out)
		}
		return nil
	}
	if target := r.reg.Resolve(fc.To); target != nil {
		r.deliver(target.ID, protocol.TypeFileChunk, &out)
	}
	return nil
}

// List returns summaries for every channel, sorted by name.
func (r *Router) List() []protocol.ChannelSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ChannelSummary, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, protocol.ChannelSummary{
			Name:         ch.name,
			Members:      len(ch.members),
			InviteOnly:   ch.inviteOnly,
			VerifiedOnly: ch.verifiedOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Roster returns member summaries for one channel.
func (r *Router) Roster(name string) ([]protocol.AgentSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrChannelNotFound, name+" does not exist")
	}
	return r.rosterLocked(ch), nil
}

// Members returns the member ids of a channel.
func (r *Router) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil
	}
	return r.otherMembersLocked(ch, "")
}

// IsMember reports channel membership.
func (r *Router) IsMember(name, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ok && ch.members[agentID]
}

// Disconnect removes the agent from every channel, announcing the exit.
func (r *Router) Disconnect(agent *registry.Agent) {
	type exit struct {
		name   string
		others []string
	}
	var exits []exit

	r.mu.Lock()
	for name, ch := range r.channels {
		if ch.members[agent.ID] {
			delete(ch.members, agent.ID)
			exits = append(exits, exit{name, r.otherMembersLocked(ch, agent.ID)})
		}
	}
	r.mu.Unlock()

	for _, e := range exits {
		for _, id := range e.others {
			r.deliver(id, protocol.TypeAgentLeft, &protocol.AgentLeft{
				Channel: e.name, Agent: agent.ID, Name: agent.DisplayName(),
			})
		}
	}
}

// IdleChannels returns channels with members but no traffic since cutoff.
// The idle prompter nudges these.
func (r *Router) IdleChannels(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []string
	for name, ch := range r.channels {
		if len(ch.members) > 0 && ch.lastActivity.Before(cutoff) {
			idle = append(idle, name)
		}
	}
	sort.Strings(idle)
	return idle
}

func (r *Router) fanOut(from *registry.Agent, name string, msg *protocol.MsgOut) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok || !ch.members[from.ID] {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrChannelNotFound, "not in "+name)
	}
	if ch.verifiedOnly && !from.Verified {
		r.mu.Unlock()
		return protocol.Errorf(protocol.ErrNotAllowed, name+" is restricted to verified agents")
	}
	r.bufferLocked(ch, *msg)
	ch.lastActivity = r.now()
	others := r.otherMembersLocked(ch, from.ID)
	r.mu.Unlock()

	for _, id := range others {
		r.deliver(id, protocol.TypeMsg, msg)
	}
	return nil
}

func (r *Router) bufferLocked(ch *channel, msg protocol.MsgOut) {
	ch.buffer = append(ch.buffer, msg)
	if len(ch.buffer) > r.bufSize {
		ch.buffer = ch.buffer[len(ch.buffer)-r.bufSize:]
	}
}

func (r *Router) rosterLocked(ch *channel) []protocol.AgentSummary {
	out := make([]protocol.AgentSummary, 0, len(ch.members))
	for id := range ch.members {
		if a := r.reg.Get(id); a != nil {
			out = append(out, protocol.AgentSummary{
				ID: a.ID, Name: a.Name, Nick: a.Nick, Status: a.Status, Verified: a.Verified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) otherMembersLocked(ch *channel, except string) []string {
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
