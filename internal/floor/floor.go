// Package floor arbitrates which agent answers a given message. Claims
// are keyed by (channel, msg_id); the earliest started_at wins, so the
// agent that began composing first keeps the floor.
package floor

import (
	"sync"
	"time"
)

// YieldReason is sent to whichever side loses a contested claim.
const YieldReason = "Earlier started_at timestamp"

// DefaultTTL bounds how long an unreleased claim survives.
const DefaultTTL = 60 * time.Second

// Claim is a live floor hold.
type Claim struct {
	Channel   string
	MsgID     string
	Holder    string
	StartedAt int64 // client-reported epoch ms
	ExpiresAt time.Time
}

// Outcome of a claim attempt.
type Outcome int

const (
	// Granted means the requester now holds the floor.
	Granted Outcome = iota
	// Displaced means the requester took the floor from a later claimant;
	// Prev carries the ousted holder.
	Displaced
	// Denied means an earlier claim stands.
	Denied
)

// Result reports what happened and, for Displaced, who lost the floor.
type Result struct {
	Outcome Outcome
	Prev    *Claim
	Current Claim
}

type key struct{ channel, msgID string }

// Registry is the single-writer floor table.
type Registry struct {
	mu     sync.Mutex
	claims map[key]*Claim
	ttl    time.Duration
	now    func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 || ttl > DefaultTTL {
		ttl = DefaultTTL
	}
	return &Registry{
		claims: make(map[key]*Claim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim attempts to take the floor for (channel, msgID). A standing claim
// is displaced only by a strictly earlier started_at.
func (r *Registry) Claim(channel, msgID, holder string, startedAt int64) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	k := key{channel, msgID}
	cur := r.claims[k]
	if cur != nil && now.After(cur.ExpiresAt) {
		delete(r.claims, k)
		cur = nil
	}

	next := Claim{
		Channel:   channel,
		MsgID:     msgID,
		Holder:    holder,
		StartedAt: startedAt,
		ExpiresAt: now.Add(r.ttl),
	}

	if cur == nil {
		r.claims[k] = &next
		return Result{Outcome: Granted, Current: next}
	}
	if startedAt < cur.StartedAt {
		prev := *cur
		r.claims[k] = &next
		return Result{Outcome: Displaced, Prev: &prev, Current: next}
	}
	return Result{Outcome: Denied, Current: *cur}
}

// Release drops one claim if holder still owns it.
func (r *Registry) Release(channel, msgID, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{channel, msgID}
	if c := r.claims[k]; c != nil && c.Holder == holder {
		delete(r.claims, k)
		return true
	}
	return false
}

// ReleaseHolder drops every claim held by holder, optionally limited to
// one channel ("" means all). Used on disconnect and channel leave.
func (r *Registry) ReleaseHolder(holder, channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for k, c := range r.claims {
		if c.Holder != holder {
			continue
		}
		if channel != "" && k.channel != channel {
			continue
		}
		delete(r.claims, k)
		released++
	}
	return released
}

// Sweep drops expired claims. Called from the housekeeping tick.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for k, c := range r.claims {
		if now.After(c.ExpiresAt) {
			delete(r.claims, k)
			removed++
		}
	}
	return removed
}

// Holder returns the live claim for (channel, msgID), or nil.
func (r *Registry) Holder(channel, msgID string) *Claim {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.claims[key{channel, msgID}]
	if c == nil || r.now().After(c.ExpiresAt) {
		return nil
	}
	cp := *c
	return &cp
}
