// Package proposal runs the work-agreement lifecycle: signed proposals
// move pending → accepted → completed, or terminate as rejected, expired,
// or disputed. Every transition is signature-checked against the acting
// party's proven key and mirrored onto the escrow hooks bus.
package proposal

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/registry"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/store"
)

// DefaultMinAge is how long a key must have been known before it may
// open proposals. Anti-sybil: fresh keys lurk, then wait this out too.
const DefaultMinAge = 60 * time.Second

// Record is one proposal's full state.
type Record struct {
	ID            string  `json:"id"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	Task          string  `json:"task"`
	Amount        string  `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	PaymentCode   string  `json:"payment_code,omitempty"`
	Terms         string  `json:"terms,omitempty"`
	Expires       int64   `json:"expires,omitempty"`
	EloStake      float64 `json:"elo_stake,omitempty"`
	ProposerStake float64 `json:"proposer_stake,omitempty"`
	AcceptorStake float64 `json:"acceptor_stake,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     int64   `json:"created_at"`
	AcceptedAt    int64   `json:"accepted_at,omitempty"`
	CompletedAt   int64   `json:"completed_at,omitempty"`
	ProposerSig   string  `json:"proposer_sig"`
	AcceptorSig   string  `json:"acceptor_sig,omitempty"`
	Proof         string  `json:"proof,omitempty"`
	DisputeReason string  `json:"dispute_reason,omitempty"`
}

type receipt struct {
	Record
	StoredAt int64 `json:"stored_at"`
}

// Engine is the single-writer proposal book.
type Engine struct {
	mu        sync.Mutex
	proposals map[string]*Record
	bus       *events.Bus
	rep       *reputation.Store
	dataDir   string
	minAge    time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewEngine(bus *events.Bus, rep *reputation.Store, dataDir string, minAge time.Duration) *Engine {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	return &Engine{
		proposals: make(map[string]*Record),
		bus:       bus,
		rep:       rep,
		dataDir:   dataDir,
		minAge:    minAge,
		logger:    log.New(log.Writer(), "[PROPOSAL] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Signing strings. Clients sign the exact ASCII below; optional fields
// that are absent contribute an empty segment.

func ProposalSigning(to, task, amount, currency, paymentCode, terms string, expires int64, eloStake float64) string {
	return strings.Join([]string{
		"PROPOSAL", to, task, amount, currency, paymentCode, terms,
		optInt(expires), optFloat(eloStake),
	}, "|")
}

func AcceptSigning(proposalID, paymentCode string, eloStake float64) string {
	return strings.Join([]string{"ACCEPT", proposalID, paymentCode, optFloat(eloStake)}, "|")
}

func RejectSigning(proposalID, reason string) string {
	return strings.Join([]string{"REJECT", proposalID, reason}, "|")
}

func CompleteSigning(proposalID, proof string) string {
	return strings.Join([]string{"COMPLETE", proposalID, proof}, "|")
}

func DisputeSigning(proposalID, reason string) string {
	return strings.Join([]string{"DISPUTE", proposalID, reason}, "|")
}

func optInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func optFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Create opens a proposal from agent to p.To. firstSeen is the epoch-ms
// first sight of the proposer's key; keys younger than the minimum age
// are refused.
func (e *Engine) Create(agent *registry.Agent, p *protocol.Proposal, firstSeen int64) (*Record, error) {
	now := e.now()
	if agent.PubKey == "" {
		return nil, protocol.Errorf(protocol.ErrSignatureRequired, "proposals require a persistent key")
	}
	if agent.InLurk(now) {
		return nil, protocol.Errorf(protocol.ErrNotAllowed, "lurk window active")
	}
	if firstSeen > 0 && now.Sub(time.UnixMilli(firstSeen)) < e.minAge {
		return nil, protocol.Errorf(protocol.ErrNotAllowed,
			fmt.Sprintf("key must be at least %s old to open proposals", e.minAge))
	}
	if p.Expires > 0 && now.UnixMilli() > p.Expires {
		return nil, protocol.Errorf(protocol.ErrInvalidProposal, "expires is in the past")
	}
	if p.EloStake < 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidStake, "stake cannot be negative")
	}

	signing := ProposalSigning(p.To, p.Task, p.Amount, p.Currency, p.PaymentCode, p.Terms, p.Expires, p.EloStake)
	if err := e.verify(signing, p.Signature, agent.PubKey); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          "prop_" + uuid.NewString(),
		From:        agent.ID,
		To:          strings.TrimPrefix(p.To, "@"),
		Task:        p.Task,
		Amount:      p.Amount,
		Currency:    p.Currency,
		PaymentCode: p.PaymentCode,
		Terms:       p.Terms,
		Expires:     p.Expires,
		EloStake:    p.EloStake,
		Status:      protocol.StatusPending,
		CreatedAt:   now.UnixMilli(),
		ProposerSig: p.Signature,
	}

	e.mu.Lock()
	e.proposals[rec.ID] = rec
	snap := *rec
	e.mu.Unlock()
	return &snap, nil
}

// Accept moves pending → accepted atomically, snapshotting both stakes
// and emitting escrow:created. An in-flight accept that races the expiry
// deadline loses: the proposal flips to expired instead.
func (e *Engine) Accept(agent *registry.Agent, a *protocol.Accept) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.lookupLocked(a.ProposalID)
	if err != nil {
		return nil, err
	}
	if rec.To != agent.ID {
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "only the named acceptor may accept")
	}
	// A resend of the accept already applied is acked, not re-applied.
	// Ed25519 is deterministic, so an identical signature means an
	// identical accept.
	if rec.Status == protocol.StatusAccepted && rec.AcceptorSig == a.Signature {
		snap := *rec
		return &snap, nil
	}
	if rec.Status != protocol.StatusPending {
		return nil, protocol.Errorf(protocol.ErrInvalidProposal, "proposal is "+rec.Status)
	}
	if a.EloStake < 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidStake, "stake cannot be negative")
	}
	if err := e.verify(AcceptSigning(rec.ID, a.PaymentCode, a.EloStake), a.Signature, agent.PubKey); err != nil {
		return nil, err
	}

	rec.Status = protocol.StatusAccepted
	rec.AcceptedAt = e.now().UnixMilli()
	rec.ProposerStake = rec.EloStake
	rec.AcceptorStake = a.EloStake
	rec.AcceptorSig = a.Signature
	if a.PaymentCode != "" {
		rec.PaymentCode = a.PaymentCode
	}
	snap := *rec

	e.bus.Emit(events.Event{
		Type:       events.EscrowCreated,
		ProposalID: rec.ID,
		Proposer:   rec.From,
		Acceptor:   rec.To,
		Stakes:     map[string]float64{"proposer": rec.ProposerStake, "acceptor": rec.AcceptorStake},
	})
	return &snap, nil
}

// Reject terminates a pending proposal.
func (e *Engine) Reject(agent *registry.Agent, r *protocol.Reject) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.lookupLocked(r.ProposalID)
	if err != nil {
		return nil, err
	}
	if rec.To != agent.ID {
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "only the named acceptor may reject")
	}
	if rec.Status != protocol.StatusPending {
		return nil, protocol.Errorf(protocol.ErrInvalidProposal, "proposal is "+rec.Status)
	}
	if err := e.verify(RejectSigning(rec.ID, r.Reason), r.Signature, agent.PubKey); err != nil {
		return nil, err
	}

	rec.Status = protocol.StatusRejected
	rec.DisputeReason = ""
	snap := *rec
	return &snap, nil
}

// Complete settles the agreement. Accepted proposals complete normally; a
// pending proposal with no stakes may complete directly (informal work
// done before acceptance). Stakes are returned abstractly via
// escrow:released, receipts are appended for both parties, and the
// reputation book records a cooperative game.
func (e *Engine) Complete(agent *registry.Agent, c *protocol.Complete) (*Record, error) {
	e.mu.Lock()

	rec, err := e.lookupLocked(c.ProposalID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if agent.ID != rec.From && agent.ID != rec.To {
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "not a party to this proposal")
	}
	switch {
	case rec.Status == protocol.StatusAccepted:
	case rec.Status == protocol.StatusPending && rec.EloStake == 0:
	default:
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrInvalidProposal, "proposal is "+rec.Status)
	}
	if err := e.verify(CompleteSigning(rec.ID, c.Proof), c.Signature, agent.PubKey); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	rec.Status = protocol.StatusCompleted
	rec.CompletedAt = e.now().UnixMilli()
	rec.Proof = c.Proof
	snap := *rec
	e.mu.Unlock()

	stakes := map[string]float64{"proposer": snap.ProposerStake, "acceptor": snap.AcceptorStake}
	e.bus.Emit(events.Event{
		Type: events.EscrowReleased, ProposalID: snap.ID,
		Proposer: snap.From, Acceptor: snap.To, Stakes: stakes,
	})
	e.bus.Emit(events.Event{
		Type: events.SettlementCompletion, ProposalID: snap.ID,
		Proposer: snap.From, Acceptor: snap.To, Stakes: stakes,
	})

	e.appendReceipt(snap)
	if e.rep != nil {
		e.rep.ApplyCompletion(snap.ID, snap.From, snap.To)
	}
	return &snap, nil
}

// OpenDispute moves accepted|completed → disputed and emits
// settlement:dispute. The arbitration engine takes over from here.
func (e *Engine) OpenDispute(agent *registry.Agent, d *protocol.Dispute) (*Record, error) {
	e.mu.Lock()

	rec, err := e.lookupLocked(d.ProposalID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if agent.ID != rec.From && agent.ID != rec.To {
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "not a party to this proposal")
	}
	if rec.Status != protocol.StatusAccepted && rec.Status != protocol.StatusCompleted {
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrInvalidProposal, "proposal is "+rec.Status)
	}
	if err := e.verify(DisputeSigning(rec.ID, d.Reason), d.Signature, agent.PubKey); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	rec.Status = protocol.StatusDisputed
	rec.DisputeReason = d.Reason
	snap := *rec
	e.mu.Unlock()

	e.bus.Emit(events.Event{
		Type: events.SettlementDispute, ProposalID: snap.ID,
		Proposer: snap.From, Acceptor: snap.To, Reason: d.Reason,
		Stakes: map[string]float64{"proposer": snap.ProposerStake, "acceptor": snap.AcceptorStake},
	})
	return &snap, nil
}

// Get returns a snapshot of one proposal, applying lazy expiry.
func (e *Engine) Get(id string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.lookupLocked(id)
	if err != nil {
		return nil
	}
	snap := *rec
	return &snap
}

// RelatedSince reports whether a and b were the two parties to any
// proposal whose latest activity is on or after cutoff (epoch ms).
// Arbiter independence screening uses this for direct relationships.
func (e *Engine) RelatedSince(a, b string, cutoff int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range e.proposals {
		if !(rec.From == a && rec.To == b) && !(rec.From == b && rec.To == a) {
			continue
		}
		last := rec.CreatedAt
		if rec.AcceptedAt > last {
			last = rec.AcceptedAt
		}
		if rec.CompletedAt > last {
			last = rec.CompletedAt
		}
		if last >= cutoff {
			return true
		}
	}
	return false
}

// Stats counts proposals by status for the health endpoint.
func (e *Engine) Stats() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := map[string]int{"total": len(e.proposals)}
	now := e.now().UnixMilli()
	for _, rec := range e.proposals {
		status := rec.Status
		if status == protocol.StatusPending && rec.Expires > 0 && now > rec.Expires {
			status = protocol.StatusExpired
		}
		out[status]++
	}
	return out
}

// Event renders a state transition for delivery to both parties.
func Event(rec *Record, ts int64) *protocol.ProposalEvent {
	return &protocol.ProposalEvent{
		ProposalID: rec.ID,
		From:       rec.From,
		To:         rec.To,
		Task:       rec.Task,
		Amount:     rec.Amount,
		Currency:   rec.Currency,
		Terms:      rec.Terms,
		EloStake:   rec.EloStake,
		Status:     rec.Status,
		Proof:      rec.Proof,
		Reason:     rec.DisputeReason,
		Expires:    rec.Expires,
		Ts:         ts,
	}
}

// lookupLocked finds a proposal and applies lazy expiry: any operation
// that sees a pending proposal past its deadline flips it to expired.
func (e *Engine) lookupLocked(id string) (*Record, error) {
	rec, ok := e.proposals[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrProposalNotFound, id+" does not exist")
	}
	if rec.Status == protocol.StatusPending && rec.Expires > 0 && e.now().UnixMilli() > rec.Expires {
		rec.Status = protocol.StatusExpired
		return nil, protocol.Errorf(protocol.ErrProposalExpired, id+" expired")
	}
	return rec, nil
}

func (e *Engine) verify(signing, sigB64, pubPEM string) error {
	if sigB64 == "" {
		return protocol.Errorf(protocol.ErrSignatureRequired, "transition must be signed")
	}
	ok, err := identity.Verify([]byte(signing), sigB64, pubPEM)
	if err != nil || !ok {
		return protocol.Errorf(protocol.ErrVerificationFailed, "signature does not verify")
	}
	return nil
}

// appendReceipt writes the terminal record to each party's receipts log.
// Failures are logged only; the completion already happened.
func (e *Engine) appendReceipt(snap Record) {
	if e.dataDir == "" {
		return
	}
	r := receipt{Record: snap, StoredAt: e.now().UnixMilli()}
	for _, party := range []string{snap.From, snap.To} {
		path := filepath.Join(e.dataDir, "receipts_"+party+".jsonl")
		if err := store.AppendJSONL(path, r, store.ModePrivate); err != nil {
			e.logger.Printf("append receipt for %s: %v", party, err)
		}
	}
}
