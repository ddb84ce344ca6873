// Package registry owns the live session book: which connection speaks
// for which agent, which pubkey that agent proved, and what channels it
// belongs to. One live session per agent id; a key that reconnects
// displaces its old session.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Agent is one live identified session.
type Agent struct {
	ID          string
	Name        string
	Nick        string
	PubKey      string // SPKI PEM, "" for ephemeral agents
	Verified    bool
	Lurking     bool
	LurkUntil   time.Time
	Status      string
	ConnID      string
	ConnectedAt time.Time
	Channels    map[string]bool
}

// DisplayName prefers the nick when one is set.
func (a *Agent) DisplayName() string {
	if a.Nick != "" {
		return a.Nick
	}
	return a.Name
}

// InLurk reports whether the agent is still inside its lurk window.
func (a *Agent) InLurk(now time.Time) bool {
	return a.Lurking && now.Before(a.LurkUntil)
}

// Registry is the single-writer session table.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Agent
	byConn map[string]*Agent
	byNick map[string]string // lowercase nick -> agent id
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]*Agent),
		byConn: make(map[string]*Agent),
		byNick: make(map[string]string),
	}
}

// Register installs a newly identified agent. If the id already has a
// live session, that session is displaced: its connection id is returned
// so the caller can notify and close it, and the new session takes over.
func (r *Registry) Register(a *Agent) (displacedConn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Channels == nil {
		a.Channels = make(map[string]bool)
	}
	if old, ok := r.byID[a.ID]; ok {
		displacedConn = old.ConnID
		delete(r.byConn, old.ConnID)
		if old.Nick != "" {
			delete(r.byNick, strings.ToLower(old.Nick))
		}
		// The displaced session's memberships carry over so the agent
		// rejoins where it left off.
		for ch := range old.Channels {
			a.Channels[ch] = true
		}
	}
	r.byID[a.ID] = a
	r.byConn[a.ConnID] = a
	if a.Nick != "" {
		r.byNick[strings.ToLower(a.Nick)] = a.ID
	}
	return displacedConn
}

// Remove drops the session bound to connID and returns its agent, or nil
// if the connection never identified (or was already displaced).
func (r *Registry) Remove(connID string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	delete(r.byID, a.ID)
	if a.Nick != "" {
		delete(r.byNick, strings.ToLower(a.Nick))
	}
	return a
}

// Get returns the live agent for id, or nil.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByConn returns the agent identified on connID, or nil.
func (r *Registry) ByConn(connID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// Resolve maps an "@id" or "@nick" address (leading @ optional) to the
// live agent, or nil.
func (r *Registry) Resolve(addr string) *Agent {
	name := strings.TrimPrefix(addr, "@")
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.byID[name]; ok {
		return a
	}
	if id, ok := r.byNick[strings.ToLower(name)]; ok {
		return r.byID[id]
	}
	return nil
}

// SetNick assigns a nick, enforcing uniqueness across live sessions.
func (r *Registry) SetNick(id, nick string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return false
	}
	lower := strings.ToLower(nick)
	if owner, taken := r.byNick[lower]; taken && owner != id {
		return false
	}
	if a.Nick != "" {
		delete(r.byNick, strings.ToLower(a.Nick))
	}
	a.Nick = nick
	r.byNick[lower] = id
	return true
}

// SetStatus updates the agent's free-text presence line.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.Status = status
	}
}

// EndLurk clears the lurk flag once the window has passed.
func (r *Registry) EndLurk(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.Lurking = false
	}
}

// Join records channel membership on the agent side. The channel router
// keeps the member set; both must agree.
func (r *Registry) Join(id, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.Channels[channel] = true
	}
}

// Leave removes channel membership on the agent side.
func (r *Registry) Leave(id, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		delete(a.Channels, channel)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a stable-ordered snapshot of live agents.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
