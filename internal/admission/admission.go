// Package admission implements the key admission policy: allowlist,
// banlist, ephemeral-id policy, first-seen tracking, and the lurk window
// applied to never-before-seen keys.
package admission

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/store"
)

// DefaultLurkWindow is the read-only period applied to first-seen keys.
const DefaultLurkWindow = time.Hour

// ListEntry is one allowlist or banlist record.
type ListEntry struct {
	PubKey     string `json:"pubkey"`
	AgentID    string `json:"agentId"`
	ApprovedAt int64  `json:"approvedAt"`
	ApprovedBy string `json:"approvedBy,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Policy configures the gate.
type Policy struct {
	AllowlistEnabled bool
	Strict           bool // reject keyless IDENTIFY outright
	LurkDisabled     bool
	LurkWindow       time.Duration
	DataDir          string
}

// Gate is the admission decision point. Single writer: all mutation goes
// through its methods; snapshots are written on every change since the
// lists are small and changes are operator-driven.
type Gate struct {
	mu        sync.RWMutex
	policy    Policy
	allow     map[string]ListEntry // keyed by pubkey PEM
	ban       map[string]ListEntry
	firstSeen map[string]int64 // pubkey PEM -> epoch ms
	logger    *log.Logger
}

// Decision classifies an IDENTIFY against the admission policy.
type Decision int

const (
	Admit Decision = iota
	Banned
	NotAllowed
)

// NewGate loads the snapshots under policy.DataDir and returns the gate.
func NewGate(policy Policy) (*Gate, error) {
	if policy.LurkWindow <= 0 {
		policy.LurkWindow = DefaultLurkWindow
	}
	g := &Gate{
		policy:    policy,
		allow:     make(map[string]ListEntry),
		ban:       make(map[string]ListEntry),
		firstSeen: make(map[string]int64),
		logger:    log.New(log.Writer(), "[ADMISSION] ", log.LstdFlags),
	}

	var allowList, banList []ListEntry
	if err := store.LoadJSON(g.allowPath(), &allowList); err != nil {
		return nil, err
	}
	if err := store.LoadJSON(g.banPath(), &banList); err != nil {
		return nil, err
	}
	if err := store.LoadJSON(g.firstSeenPath(), &g.firstSeen); err != nil {
		return nil, err
	}
	for _, e := range allowList {
		g.allow[e.PubKey] = e
	}
	for _, e := range banList {
		g.ban[e.PubKey] = e
	}
	return g, nil
}

// CheckKey classifies a pubkey against ban and allow lists. Banlist wins.
func (g *Gate) CheckKey(pubPEM string) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, banned := g.ban[pubPEM]; banned {
		return Banned
	}
	if g.policy.AllowlistEnabled {
		if _, ok := g.allow[pubPEM]; !ok {
			return NotAllowed
		}
	}
	return Admit
}

// AllowsEphemeral reports whether keyless sessions may be admitted.
func (g *Gate) AllowsEphemeral() bool {
	return !(g.policy.AllowlistEnabled && g.policy.Strict)
}

// Observe records first sight of a key and returns its lurk deadline.
// Keys already past the window (or with lurk disabled) get a zero time.
func (g *Gate) Observe(pubPEM string, now time.Time) (lurkUntil time.Time, firstSight bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, seen := g.firstSeen[pubPEM]
	if !seen {
		ms = now.UnixMilli()
		g.firstSeen[pubPEM] = ms
		g.persistFirstSeenLocked()
		firstSight = true
	}
	if g.policy.LurkDisabled {
		return time.Time{}, firstSight
	}
	until := time.UnixMilli(ms).Add(g.policy.LurkWindow)
	if now.After(until) {
		return time.Time{}, firstSight
	}
	return until, firstSight
}

// FirstSeenAt returns when a key was first observed, or zero.
func (g *Gate) FirstSeenAt(pubPEM string) time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ms, ok := g.firstSeen[pubPEM]
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Approve adds a key to the allowlist.
func (g *Gate) Approve(entry ListEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry.ApprovedAt == 0 {
		entry.ApprovedAt = time.Now().UnixMilli()
	}
	g.allow[entry.PubKey] = entry
	g.logger.Printf("approved key for agent %s", entry.AgentID)
	return store.SaveJSON(g.allowPath(), g.entriesLocked(g.allow), store.ModePrivate)
}

// Ban adds a key to the banlist and removes it from the allowlist.
func (g *Gate) Ban(entry ListEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry.ApprovedAt == 0 {
		entry.ApprovedAt = time.Now().UnixMilli()
	}
	g.ban[entry.PubKey] = entry
	delete(g.allow, entry.PubKey)
	g.logger.Printf("banned key for agent %s", entry.AgentID)
	if err := store.SaveJSON(g.allowPath(), g.entriesLocked(g.allow), store.ModePrivate); err != nil {
		return err
	}
	return store.SaveJSON(g.banPath(), g.entriesLocked(g.ban), store.ModePrivate)
}

// Unban removes a key from the banlist.
func (g *Gate) Unban(pubPEM string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ban, pubPEM)
	return store.SaveJSON(g.banPath(), g.entriesLocked(g.ban), store.ModePrivate)
}

func (g *Gate) entriesLocked(m map[string]ListEntry) []ListEntry {
	out := make([]ListEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

func (g *Gate) persistFirstSeenLocked() {
	if err := store.SaveJSON(g.firstSeenPath(), g.firstSeen, store.ModePrivate); err != nil {
		g.logger.Printf("persist first-seen: %v", err)
	}
}

func (g *Gate) allowPath() string     { return filepath.Join(g.policy.DataDir, "allowlist.json") }
func (g *Gate) banPath() string       { return filepath.Join(g.policy.DataDir, "banlist.json") }
func (g *Gate) firstSeenPath() string { return filepath.Join(g.policy.DataDir, "first_seen.json") }
