// Package arbitration runs the commit-reveal dispute flow: a disputant
// commits to a nonce, reveals it against the server's own nonce, and the
// combined seed deterministically selects a three-arbiter panel that
// hears evidence and votes a verdict.
package arbitration

import (
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
)

// Protocol constants. These are part of the cross-implementation
// contract, not tunables.
const (
	PanelSize            = 3
	ArbiterMinRating     = 1200.0
	ArbiterMinGames      = 10
	RevealTimeout        = 10 * time.Minute
	EvidenceWindow       = time.Hour
	DeliberationWindow   = time.Hour
	TotalDurationCap     = 4 * time.Hour
	MaxEvidenceItems     = 10
	MaxStatementLen      = 2000
	MaxReasoningLen      = 500
	MaxReplacementRounds = 2
)

// Phase names one step of the dispute lifecycle.
type Phase string

const (
	PhaseIntent          Phase = "intent"
	PhaseRevealPending   Phase = "reveal_pending"
	PhasePanelSelection  Phase = "panel_selection"
	PhaseArbiterResponse Phase = "arbiter_response"
	PhaseEvidence        Phase = "evidence"
	PhaseDeliberation    Phase = "deliberation"
	PhaseResolved        Phase = "resolved"
	PhaseFallback        Phase = "fallback"
)

// SlotStatus tracks one arbiter's participation.
type SlotStatus string

const (
	SlotPending   SlotStatus = "pending"
	SlotAccepted  SlotStatus = "accepted"
	SlotDeclined  SlotStatus = "declined"
	SlotReplaced  SlotStatus = "replaced"
	SlotVoted     SlotStatus = "voted"
	SlotForfeited SlotStatus = "forfeited"
)

// Slot is one panel seat.
type Slot struct {
	AgentID    string
	Status     SlotStatus
	AcceptedAt int64
	Verdict    string
	Reasoning  string
}

// PartyEvidence is one side's submission, items stored by hash.
type PartyEvidence struct {
	Hashes    []string
	Statement string
	Signature string
}

// Dispute is the full state of one case.
type Dispute struct {
	ID           string
	ProposalID   string
	Disputant    string
	Respondent   string
	Reason       string
	Phase        Phase
	Commitment   string
	Nonce        string
	ServerNonce  string
	Seed         []byte
	Slots        []*Slot
	Replacements int
	Reserve      []string // shuffled pool beyond the initial panel
	Evidence     map[string]*PartyEvidence
	Verdict      string
	RatingDelta  map[string]float64
	Stake        float64

	OpenedAt   time.Time
	RevealBy   time.Time
	EvidenceBy time.Time
	VoteBy     time.Time
}

// Deliverer pushes a frame to one live agent.
type Deliverer func(agentID string, t protocol.MsgType, frame any)

// Candidates returns agent ids eligible for panel duty before rating and
// independence filtering, in a stable order.
type Candidates func() []string

// Independent reports whether an arbiter has no disqualifying tie to
// either party.
type Independent func(arbiter, disputant, respondent string) bool

// KeyFor resolves an agent id to its proven public key PEM.
type KeyFor func(agentID string) string

// Engine is the single-writer dispute book.
type Engine struct {
	mu          sync.Mutex
	disputes    map[string]*Dispute
	byProposal  map[string]string
	rep         *reputation.Store
	bus         *events.Bus
	deliver     Deliverer
	candidates  Candidates
	independent Independent
	keyFor      KeyFor
	logger      *log.Logger
	now         func() time.Time
}

func NewEngine(rep *reputation.Store, bus *events.Bus, deliver Deliverer, candidates Candidates, keyFor KeyFor) *Engine {
	return &Engine{
		disputes:    make(map[string]*Dispute),
		byProposal:  make(map[string]string),
		rep:         rep,
		bus:         bus,
		deliver:     deliver,
		candidates:  candidates,
		independent: func(string, string, string) bool { return true },
		keyFor:      keyFor,
		logger:      log.New(log.Writer(), "[ARBITRATION] ", log.LstdFlags),
		now:         time.Now,
	}
}

// SetIndependent overrides the independence policy.
func (e *Engine) SetIndependent(f Independent) { e.independent = f }

// Signing strings for dispute-phase frames.

func IntentSigning(proposalID, reason, commitment string) string {
	return strings.Join([]string{"DISPUTE_INTENT", proposalID, reason, commitment}, "|")
}

func ArbiterAcceptSigning(disputeID string) string {
	return "ARBITER_ACCEPT|" + disputeID
}

func EvidenceSigning(disputeID string, hashes []string, statement string) string {
	parts := append([]string{"EVIDENCE", disputeID}, hashes...)
	return strings.Join(append(parts, statement), "|")
}

func VoteSigning(disputeID, verdict, reasoning string) string {
	return strings.Join([]string{"ARBITER_VOTE", disputeID, verdict, reasoning}, "|")
}

// OpenIntent starts the commit phase for a disputed proposal. stake is
// the combined Elo at risk, carried into the verdict settlement.
func (e *Engine) OpenIntent(disputant, respondent string, stake float64, in *protocol.DisputeIntent) (*protocol.DisputeIntentAck, error) {
	if len(in.Commitment) != 64 {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "commitment must be hex SHA-256")
	}
	if _, err := hex.DecodeString(in.Commitment); err != nil {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "commitment must be hex SHA-256")
	}
	if err := e.verify(disputant, IntentSigning(in.ProposalID, in.Reason, in.Commitment), in.Signature); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byProposal[in.ProposalID]; ok {
		if d := e.disputes[existing]; d != nil && d.Phase != PhaseFallback {
			return nil, protocol.Errorf(protocol.ErrInvalidProposal, "dispute already open for this proposal")
		}
	}

	now := e.now()
	d := &Dispute{
		ID:          "disp_" + uuid.NewString(),
		ProposalID:  in.ProposalID,
		Disputant:   disputant,
		Respondent:  respondent,
		Reason:      in.Reason,
		Phase:       PhaseRevealPending,
		Commitment:  in.Commitment,
		ServerNonce: identity.NewNonce(16),
		Evidence:    make(map[string]*PartyEvidence),
		Stake:       stake,
		OpenedAt:    now,
		RevealBy:    now.Add(RevealTimeout),
	}
	e.disputes[d.ID] = d
	e.byProposal[in.ProposalID] = d.ID

	return &protocol.DisputeIntentAck{
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
		RevealBy:   d.RevealBy.UnixMilli(),
	}, nil
}

// Reveal checks the committed nonce, derives the seed, and runs panel
// selection. A bad or late reveal drops the dispute to fallback.
func (e *Engine) Reveal(disputant string, rv *protocol.DisputeReveal) (*protocol.DisputeRevealed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.byProposalLocked(rv.ProposalID)
	if d == nil {
		return nil, protocol.Errorf(protocol.ErrDisputeNotFound, "no dispute for "+rv.ProposalID)
	}
	if d.Disputant != disputant {
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "only the disputant reveals")
	}
	if d.Phase != PhaseRevealPending {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}

	now := e.now()
	if now.After(d.RevealBy) {
		e.fallbackLocked(d, "reveal window expired")
		return nil, protocol.Errorf(protocol.ErrVerificationExpired, "reveal window expired")
	}
	if Commitment(rv.Nonce) != d.Commitment {
		e.fallbackLocked(d, "reveal does not match commitment")
		return nil, protocol.Errorf(protocol.ErrVerificationFailed, "nonce does not match commitment")
	}

	d.Nonce = rv.Nonce
	d.Seed = DeriveSeed(d.ProposalID, d.Nonce, d.ServerNonce)
	d.Phase = PhasePanelSelection
	e.selectPanelLocked(d)

	if d.Phase == PhaseFallback {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "no eligible arbiter pool")
	}
	return &protocol.DisputeRevealed{DisputeID: d.ID, Seed: hex.EncodeToString(d.Seed)}, nil
}

// selectPanelLocked filters the candidate pool and applies the seeded
// shuffle. The first PanelSize survivors are invited; the rest queue as
// replacements.
func (e *Engine) selectPanelLocked(d *Dispute) {
	var pool []string
	for _, id := range e.candidates() {
		if id == d.Disputant || id == d.Respondent {
			continue
		}
		if e.rep.Rating(id) < ArbiterMinRating || e.rep.Games(id) < ArbiterMinGames {
			continue
		}
		if !e.independent(id, d.Disputant, d.Respondent) {
			continue
		}
		pool = append(pool, id)
	}
	if len(pool) < PanelSize {
		e.fallbackLocked(d, "eligible pool too small")
		return
	}

	shuffled := SeededShuffle(d.Seed, pool)
	for _, id := range shuffled[:PanelSize] {
		d.Slots = append(d.Slots, &Slot{AgentID: id, Status: SlotPending})
	}
	d.Reserve = shuffled[PanelSize:]
	d.Phase = PhaseArbiterResponse

	for _, s := range d.Slots {
		e.inviteLocked(d, s.AgentID)
	}
}

func (e *Engine) inviteLocked(d *Dispute, agentID string) {
	e.deliver(agentID, protocol.TypeArbiterAssigned, &protocol.ArbiterAssigned{
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
		Disputant:  d.Disputant,
		Respondent: d.Respondent,
		Reason:     d.Reason,
		RespondBy:  d.OpenedAt.Add(TotalDurationCap).UnixMilli(),
	})
}

// AcceptSeat confirms a panel invitation. When the last seat fills, the
// evidence window opens.
func (e *Engine) AcceptSeat(agentID string, a *protocol.ArbiterAccept) error {
	if err := e.verify(agentID, ArbiterAcceptSigning(a.DisputeID), a.Signature); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.disputes[a.DisputeID]
	if d == nil {
		return protocol.Errorf(protocol.ErrDisputeNotFound, a.DisputeID+" does not exist")
	}
	if d.Phase != PhaseArbiterResponse {
		return protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}
	s := d.slot(agentID, SlotPending)
	if s == nil {
		return protocol.Errorf(protocol.ErrNotArbiter, "no pending seat for this agent")
	}

	s.Status = SlotAccepted
	s.AcceptedAt = e.now().UnixMilli()

	if d.allSeats(SlotAccepted) {
		d.Phase = PhaseEvidence
		d.EvidenceBy = e.now().Add(EvidenceWindow)
		frame := &protocol.PanelFormed{
			DisputeID:  d.ID,
			Arbiters:   d.panel(),
			EvidenceBy: d.EvidenceBy.UnixMilli(),
		}
		for _, id := range append(d.panel(), d.Disputant, d.Respondent) {
			e.deliver(id, protocol.TypePanelFormed, frame)
		}
	}
	return nil
}

// DeclineSeat refuses an invitation and pulls the next reserve candidate.
// Running out of replacements drops the dispute to fallback.
func (e *Engine) DeclineSeat(agentID string, dec *protocol.ArbiterDecline) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.disputes[dec.DisputeID]
	if d == nil {
		return protocol.Errorf(protocol.ErrDisputeNotFound, dec.DisputeID+" does not exist")
	}
	if d.Phase != PhaseArbiterResponse {
		return protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}
	s := d.slot(agentID, SlotPending)
	if s == nil {
		return protocol.Errorf(protocol.ErrNotArbiter, "no pending seat for this agent")
	}

	s.Status = SlotDeclined
	if d.Replacements >= MaxReplacementRounds*PanelSize || len(d.Reserve) == 0 {
		e.fallbackLocked(d, "replacement rounds exhausted")
		return nil
	}

	next := d.Reserve[0]
	d.Reserve = d.Reserve[1:]
	d.Replacements++
	d.Slots = append(d.Slots, &Slot{AgentID: next, Status: SlotPending})
	e.inviteLocked(d, next)
	return nil
}

// SubmitEvidence records one party's case. Items are hashed before
// storage; resubmission replaces the party's earlier submission.
func (e *Engine) SubmitEvidence(agentID string, ev *protocol.Evidence) (*protocol.EvidenceReceived, error) {
	if len(ev.Items) > MaxEvidenceItems {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "too many evidence items")
	}
	if len(ev.Statement) > MaxStatementLen {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "statement too long")
	}

	hashes := make([]string, len(ev.Items))
	for i, item := range ev.Items {
		hashes[i] = hashItem(item)
	}
	if err := e.verify(agentID, EvidenceSigning(ev.DisputeID, hashes, ev.Statement), ev.Signature); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.disputes[ev.DisputeID]
	if d == nil {
		return nil, protocol.Errorf(protocol.ErrDisputeNotFound, ev.DisputeID+" does not exist")
	}
	if d.Phase != PhaseEvidence {
		return nil, protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}
	if agentID != d.Disputant && agentID != d.Respondent {
		return nil, protocol.Errorf(protocol.ErrNotProposalParty, "only parties submit evidence")
	}

	d.Evidence[agentID] = &PartyEvidence{Hashes: hashes, Statement: ev.Statement, Signature: ev.Signature}
	return &protocol.EvidenceReceived{DisputeID: d.ID, Party: agentID, Hashes: hashes}, nil
}

// CloseEvidence ends the evidence window early (both parties submitted)
// and opens deliberation.
func (e *Engine) CloseEvidence(disputeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.disputes[disputeID]
	if d == nil {
		return protocol.Errorf(protocol.ErrDisputeNotFound, disputeID+" does not exist")
	}
	if d.Phase != PhaseEvidence {
		return protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}
	e.openDeliberationLocked(d)
	return nil
}

func (e *Engine) openDeliberationLocked(d *Dispute) {
	d.Phase = PhaseDeliberation
	d.VoteBy = e.now().Add(DeliberationWindow)
	frame := &protocol.CaseReady{DisputeID: d.ID, VoteBy: d.VoteBy.UnixMilli()}
	for _, id := range d.panel() {
		e.deliver(id, protocol.TypeCaseReady, frame)
	}
}

// Vote casts one arbiter's verdict. The last vote resolves the dispute.
func (e *Engine) Vote(agentID string, v *protocol.ArbiterVote) error {
	switch v.Verdict {
	case protocol.VerdictDisputant, protocol.VerdictRespondent, protocol.VerdictMutual:
	default:
		return protocol.Errorf(protocol.ErrInvalidMsg, "verdict must be disputant, respondent, or mutual")
	}
	if len(v.Reasoning) > MaxReasoningLen {
		return protocol.Errorf(protocol.ErrInvalidMsg, "reasoning too long")
	}
	if err := e.verify(agentID, VoteSigning(v.DisputeID, v.Verdict, v.Reasoning), v.Signature); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.disputes[v.DisputeID]
	if d == nil {
		return protocol.Errorf(protocol.ErrDisputeNotFound, v.DisputeID+" does not exist")
	}
	if d.Phase != PhaseDeliberation {
		return protocol.Errorf(protocol.ErrInvalidMsg, "dispute is in "+string(d.Phase))
	}
	s := d.slot(agentID, SlotAccepted)
	if s == nil {
		return protocol.Errorf(protocol.ErrNotArbiter, "not an accepted arbiter on this case")
	}

	s.Status = SlotVoted
	s.Verdict = v.Verdict
	s.Reasoning = v.Reasoning

	if !d.anySeat(SlotAccepted) {
		e.resolveLocked(d)
	}
	return nil
}

// Tick enforces phase deadlines. The server calls this on a housekeeping
// interval.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, d := range e.disputes {
		switch d.Phase {
		case PhaseResolved, PhaseFallback:
			continue
		case PhaseRevealPending:
			if now.After(d.RevealBy) {
				e.fallbackLocked(d, "reveal window expired")
				continue
			}
		case PhaseEvidence:
			if now.After(d.EvidenceBy) {
				e.openDeliberationLocked(d)
			}
		case PhaseDeliberation:
			if now.After(d.VoteBy) {
				for _, s := range d.Slots {
					if s.Status == SlotAccepted {
						s.Status = SlotForfeited
					}
				}
				e.resolveLocked(d)
				continue
			}
		}
		if now.Sub(d.OpenedAt) > TotalDurationCap && d.Phase != PhaseResolved {
			e.fallbackLocked(d, "total duration cap exceeded")
		}
	}
}

// resolveLocked aggregates votes: two agreeing arbiters carry the
// verdict, anything less is mutual. Ratings settle and the verdict is
// broadcast to parties and panel.
func (e *Engine) resolveLocked(d *Dispute) {
	tally := map[string]int{}
	votes := map[string]string{}
	for _, s := range d.Slots {
		if s.Status == SlotVoted {
			tally[s.Verdict]++
			votes[s.AgentID] = s.Verdict
		}
	}

	verdict := protocol.VerdictMutual
	for v, n := range tally {
		if n >= 2 {
			verdict = v
			break
		}
	}

	d.Verdict = verdict
	d.Phase = PhaseResolved
	d.RatingDelta = e.rep.ApplyVerdict(d.ID, d.Disputant, d.Respondent, verdict, d.Stake)

	e.bus.Emit(events.Event{
		Type:          events.SettlementVerdict,
		ProposalID:    d.ProposalID,
		DisputeID:     d.ID,
		Proposer:      d.Disputant,
		Acceptor:      d.Respondent,
		FaultParty:    faultParty(d, verdict),
		RatingChanges: d.RatingDelta,
	})

	out := &protocol.VerdictOut{
		DisputeID:     d.ID,
		ProposalID:    d.ProposalID,
		Verdict:       verdict,
		Votes:         votes,
		RatingChanges: d.RatingDelta,
	}
	done := &protocol.SettlementComplete{DisputeID: d.ID, ProposalID: d.ProposalID, Verdict: verdict}
	for _, id := range append(d.panel(), d.Disputant, d.Respondent) {
		e.deliver(id, protocol.TypeVerdict, out)
		e.deliver(id, protocol.TypeSettlementComplete, done)
	}
	e.logger.Printf("dispute %s resolved: %s", d.ID, verdict)
}

func faultParty(d *Dispute, verdict string) string {
	switch verdict {
	case protocol.VerdictDisputant:
		return d.Respondent
	case protocol.VerdictRespondent:
		return d.Disputant
	default:
		return ""
	}
}

// fallbackLocked surfaces an unarbitrable dispute to operators and the
// parties. No verdict is produced.
func (e *Engine) fallbackLocked(d *Dispute, reason string) {
	d.Phase = PhaseFallback
	e.logger.Printf("dispute %s (proposal %s) fell back: %s", d.ID, d.ProposalID, reason)
	frame := &protocol.DisputeFallback{DisputeID: d.ID, Reason: reason}
	for _, id := range []string{d.Disputant, d.Respondent} {
		e.deliver(id, protocol.TypeDisputeFallback, frame)
	}
}

// Get returns the dispute, or nil.
func (e *Engine) Get(disputeID string) *Dispute {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disputes[disputeID]
}

func (e *Engine) byProposalLocked(proposalID string) *Dispute {
	id, ok := e.byProposal[proposalID]
	if !ok {
		return nil
	}
	return e.disputes[id]
}

func (e *Engine) verify(agentID, signing, sigB64 string) error {
	if sigB64 == "" {
		return protocol.Errorf(protocol.ErrSignatureRequired, "frame must be signed")
	}
	pub := e.keyFor(agentID)
	if pub == "" {
		return protocol.Errorf(protocol.ErrNoPubkey, "no proven key for "+agentID)
	}
	ok, err := identity.Verify([]byte(signing), sigB64, pub)
	if err != nil || !ok {
		return protocol.Errorf(protocol.ErrVerificationFailed, "signature does not verify")
	}
	return nil
}

func (d *Dispute) slot(agentID string, status SlotStatus) *Slot {
	for _, s := range d.Slots {
		if s.AgentID == agentID && s.Status == status {
			return s
		}
	}
	return nil
}

func (d *Dispute) allSeats(status SlotStatus) bool {
	n := 0
	for _, s := range d.Slots {
		if s.Status == status {
			n++
		}
	}
	return n == PanelSize
}

func (d *Dispute) anySeat(status SlotStatus) bool {
	for _, s := range d.Slots {
		if s.Status == status {
			return true
		}
	}
	return false
}

// panel lists the arbiters still seated (accepted, voted, or forfeited).
func (d *Dispute) panel() []string {
	var out []string
	for _, s := range d.Slots {
		switch s.Status {
		case SlotAccepted, SlotVoted, SlotForfeited, SlotPending:
			out = append(out, s.AgentID)
		}
	}
	return out
}
