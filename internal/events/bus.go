// Package events is the in-process escrow-hooks bus. External integrators
// register handlers for stake and settlement lifecycle events; handlers
// run synchronously, in registration order, and their failures never
// propagate into the engines that emit.
package events

import (
	"log"
	"sync"
	"time"
)

// EventType names one hook on the escrow/settlement lifecycle.
type EventType string

const (
	EscrowCreated        EventType = "escrow:created"
	EscrowReleased       EventType = "escrow:released"
	SettlementCompletion EventType = "settlement:completion"
	SettlementDispute    EventType = "settlement:dispute"
	SettlementVerdict    EventType = "settlement:verdict"
)

// Event is the structured payload handed to handlers.
type Event struct {
	ID            string             `json:"id"`
	Type          EventType          `json:"type"`
	ProposalID    string             `json:"proposal_id,omitempty"`
	DisputeID     string             `json:"dispute_id,omitempty"`
	Proposer      string             `json:"proposer,omitempty"`
	Acceptor      string             `json:"acceptor,omitempty"`
	Stakes        map[string]float64 `json:"stakes,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	FaultParty    string             `json:"fault_party,omitempty"`
	RatingChanges map[string]float64 `json:"rating_changes,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Handler consumes one event. An error is logged and, with
// ContinueOnError set (the default), does not stop later handlers.
type Handler func(Event) error

// Bus dispatches escrow lifecycle events to registered handlers.
type Bus struct {
	mu              sync.RWMutex
	handlers        map[EventType][]Handler
	allHandlers     []Handler
	mirror          Mirror
	continueOnError bool
	logger          *log.Logger
}

// Mirror forwards events to an external fan-out (Redis Pub/Sub). Mirrors
// are best-effort: failures are logged, never surfaced.
type Mirror interface {
	Forward(Event) error
}

// NewBus creates a bus that keeps dispatching past failing handlers.
func NewBus() *Bus {
	return &Bus{
		handlers:        make(map[EventType][]Handler),
		continueOnError: true,
		logger:          log.New(log.Writer(), "[HOOKS] ", log.LstdFlags),
	}
}

// SetContinueOnError controls whether a failing handler stops dispatch.
func (b *Bus) SetContinueOnError(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.continueOnError = v
}

// SetMirror installs an external mirror for all events.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// On registers a handler for one event type.
func (b *Bus) On(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// OnAll registers a handler for every event type.
func (b *Bus) OnAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Emit dispatches an event synchronously. The caller's state transition
// has already happened; nothing a handler does can undo it.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := append([]Handler(nil), b.handlers[ev.Type]...)
	all := append([]Handler(nil), b.allHandlers...)
	mirror := b.mirror
	cont := b.continueOnError
	b.mu.RUnlock()

	for _, h := range append(typed, all...) {
		if err := b.call(h, ev); err != nil {
			b.logger.Printf("handler error on %s (proposal=%s): %v", ev.Type, ev.ProposalID, err)
			if !cont {
				break
			}
		}
	}

	if mirror != nil {
		if err := mirror.Forward(ev); err != nil {
			b.logger.Printf("mirror error on %s: %v", ev.Type, err)
		}
	}
}

// call isolates handler panics so a misbehaving integrator cannot take
// down the engine goroutine that emitted.
func (b *Bus) call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler panic on %s: %v", ev.Type, r)
		}
	}()
	return h(ev)
}
