package arbitration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
)

func TestSeededShuffleIsDeterministic(t *testing.T) {
	pool := []string{"x", "y", "z", "w", "v"}
	seed := DeriveSeed("p1", "n0", "s0")

	first := SeededShuffle(seed, pool)
	second := SeededShuffle(seed, pool)
	assert.Equal(t, first, second, "same seed and pool must permute identically")
	assert.ElementsMatch(t, pool, first)
	assert.Equal(t, []string{"x", "y", "z", "w", "v"}, pool, "input pool is not mutated")

	other := SeededShuffle(DeriveSeed("p1", "n1", "s0"), pool)
	assert.NotEqual(t, first, other, "different nonce should reorder the pool")
}

func TestCommitmentRoundTrip(t *testing.T) {
	c := Commitment("n0")
	assert.Len(t, c, 64)
	assert.Equal(t, c, Commitment("n0"))
	assert.NotEqual(t, c, Commitment("n1"))
}

type signer struct {
	id   string
	pem  string
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T, id string) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pem, err := identity.EncodePublicKey(pub)
	require.NoError(t, err)
	return &signer{id: id, pem: pem, priv: priv}
}

func (s *signer) sign(signing string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(signing)))
}

type delivered struct {
	agent string
	kind  protocol.MsgType
	frame any
}

type arbHarness struct {
	engine    *Engine
	rep       *reputation.Store
	bus       *events.Bus
	fired     []events.Event
	sent      []delivered
	signers   map[string]*signer
	pool      []string
	disputant *signer
	responder *signer
	now       time.Time
}

func newArbHarness(t *testing.T) *arbHarness {
	t.Helper()
	h := &arbHarness{
		bus:     events.NewBus(),
		signers: map[string]*signer{},
		pool:    []string{"x", "y", "z", "w", "v"},
		now:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	h.bus.OnAll(func(ev events.Event) error { h.fired = append(h.fired, ev); return nil })

	rep, err := reputation.NewStore(t.TempDir())
	require.NoError(t, err)
	h.rep = rep

	h.disputant = newSigner(t, "alice")
	h.responder = newSigner(t, "bob")
	h.signers["alice"] = h.disputant
	h.signers["bob"] = h.responder
	for _, id := range h.pool {
		h.signers[id] = newSigner(t, id)
		// Seat eligibility needs a track record: ten rated draws against a
		// padding partner leave the rating at the default.
		for i := 0; i < ArbiterMinGames; i++ {
			rep.ApplyCompletion(fmt.Sprintf("seed_%s_%d", id, i), id, "pad_"+id)
		}
	}

	candidates := func() []string { return h.pool }
	keyFor := func(id string) string {
		if s, ok := h.signers[id]; ok {
			return s.pem
		}
		return ""
	}
	deliver := func(agent string, kind protocol.MsgType, frame any) {
		h.sent = append(h.sent, delivered{agent, kind, frame})
	}
	h.engine = NewEngine(rep, h.bus, deliver, candidates, keyFor)
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *arbHarness) open(t *testing.T, nonce string) *protocol.DisputeIntentAck {
	t.Helper()
	in := &protocol.DisputeIntent{
		ProposalID: "p1", Reason: "undelivered", Commitment: Commitment(nonce),
	}
	in.Signature = h.disputant.sign(IntentSigning(in.ProposalID, in.Reason, in.Commitment))
	ack, err := h.engine.OpenIntent("alice", "bob", 15, in)
	require.NoError(t, err)
	return ack
}

func (h *arbHarness) reveal(t *testing.T, nonce string) *protocol.DisputeRevealed {
	t.Helper()
	out, err := h.engine.Reveal("alice", &protocol.DisputeReveal{ProposalID: "p1", Nonce: nonce})
	require.NoError(t, err)
	return out
}

func (h *arbHarness) panelIDs(t *testing.T, disputeID string) []string {
	t.Helper()
	d := h.engine.Get(disputeID)
	require.NotNil(t, d)
	return d.panel()
}

func (h *arbHarness) acceptAll(t *testing.T, disputeID string) {
	t.Helper()
	for _, id := range h.panelIDs(t, disputeID) {
		s := h.signers[id]
		require.NoError(t, h.engine.AcceptSeat(id, &protocol.ArbiterAccept{
			DisputeID: disputeID, Signature: s.sign(ArbiterAcceptSigning(disputeID)),
		}))
	}
}

func (h *arbHarness) ofType(kind protocol.MsgType) []delivered {
	var out []delivered
	for _, d := range h.sent {
		if d.kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (h *arbHarness) vote(t *testing.T, arbiter, verdict string) {
	t.Helper()
	d := h.engine.Get(h.ofType(protocol.TypeArbiterAssigned)[0].frame.(*protocol.ArbiterAssigned).DisputeID)
	require.NotNil(t, d)
	s := h.signers[arbiter]
	require.NoError(t, h.engine.Vote(arbiter, &protocol.ArbiterVote{
		DisputeID: d.ID, Verdict: verdict, Reasoning: "per evidence",
		Signature: s.sign(VoteSigning(d.ID, verdict, "per evidence")),
	}))
}

func TestCommitRevealSelectsDeterministicPanel(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	revealed := h.reveal(t, "n0")
	assert.Equal(t, ack.DisputeID, revealed.DisputeID)

	d := h.engine.Get(ack.DisputeID)
	require.NotNil(t, d)
	assert.Equal(t, PhaseArbiterResponse, d.Phase)

	want := SeededShuffle(DeriveSeed("p1", "n0", d.ServerNonce), h.pool)[:PanelSize]
	assert.Equal(t, want, d.panel())
	assert.Len(t, h.ofType(protocol.TypeArbiterAssigned), PanelSize)
}

func TestBadRevealFallsBack(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")

	_, err := h.engine.Reveal("alice", &protocol.DisputeReveal{ProposalID: "p1", Nonce: "wrong"})
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrVerificationFailed, perr.Code)
	assert.Equal(t, PhaseFallback, h.engine.Get(ack.DisputeID).Phase)
	assert.Len(t, h.ofType(protocol.TypeDisputeFallback), 2, "both parties are told")
}

func TestLateRevealFallsBack(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")

	h.now = h.now.Add(11 * time.Minute)
	_, err := h.engine.Reveal("alice", &protocol.DisputeReveal{ProposalID: "p1", Nonce: "n0"})
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrVerificationExpired, perr.Code)
	assert.Equal(t, PhaseFallback, h.engine.Get(ack.DisputeID).Phase)
}

func TestSmallPoolFallsBack(t *testing.T) {
	h := newArbHarness(t)
	h.pool = []string{"x", "y"}
	ack := h.open(t, "n0")

	_, err := h.engine.Reveal("alice", &protocol.DisputeReveal{ProposalID: "p1", Nonce: "n0"})
	assert.Error(t, err)
	assert.Equal(t, PhaseFallback, h.engine.Get(ack.DisputeID).Phase)
}

func TestIneligibleArbitersFiltered(t *testing.T) {
	h := newArbHarness(t)
	h.pool = append(h.pool, "rookie") // no rated games
	h.signers["rookie"] = newSigner(t, "rookie")
	ack := h.open(t, "n0")
	h.reveal(t, "n0")

	for _, id := range h.panelIDs(t, ack.DisputeID) {
		assert.NotEqual(t, "rookie", id)
	}
}

func TestDependentArbitersExcluded(t *testing.T) {
	h := newArbHarness(t)
	h.engine.SetIndependent(func(arbiter, disputant, respondent string) bool {
		return arbiter != "x"
	})
	ack := h.open(t, "n0")
	h.reveal(t, "n0")

	d := h.engine.Get(ack.DisputeID)
	require.NotNil(t, d)
	assert.NotContains(t, d.panel(), "x")
	assert.NotContains(t, d.Reserve, "x")
}

func TestPartiesNeverOnPanel(t *testing.T) {
	h := newArbHarness(t)
	h.pool = append([]string{"alice", "bob"}, h.pool...)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")

	for _, id := range h.panelIDs(t, ack.DisputeID) {
		assert.NotContains(t, []string{"alice", "bob"}, id)
	}
}

func TestAcceptAllOpensEvidence(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)

	d := h.engine.Get(ack.DisputeID)
	assert.Equal(t, PhaseEvidence, d.Phase)
	// Three arbiters plus both parties hear about the panel.
	assert.Len(t, h.ofType(protocol.TypePanelFormed), PanelSize+2)
}

func TestDeclinePullsReplacement(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")

	d := h.engine.Get(ack.DisputeID)
	first := d.panel()[0]
	reserve := append([]string(nil), d.Reserve...)

	require.NoError(t, h.engine.DeclineSeat(first, &protocol.ArbiterDecline{DisputeID: ack.DisputeID}))

	d = h.engine.Get(ack.DisputeID)
	assert.Equal(t, PhaseArbiterResponse, d.Phase)
	assert.Contains(t, d.panel(), reserve[0], "next reserve candidate is invited")
	assert.NotContains(t, d.panel(), first)
	assert.Len(t, h.ofType(protocol.TypeArbiterAssigned), PanelSize+1)
}

func TestReplacementExhaustionFallsBack(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")

	// Pool of five leaves two reserves; the third decline has no cover.
	for i := 0; i < 3; i++ {
		d := h.engine.Get(ack.DisputeID)
		if d.Phase != PhaseArbiterResponse {
			break
		}
		var pending string
		for _, s := range d.Slots {
			if s.Status == SlotPending {
				pending = s.AgentID
				break
			}
		}
		require.NotEmpty(t, pending)
		require.NoError(t, h.engine.DeclineSeat(pending, &protocol.ArbiterDecline{DisputeID: ack.DisputeID}))
	}
	assert.Equal(t, PhaseFallback, h.engine.Get(ack.DisputeID).Phase)
}

func TestEvidenceHashedAndBounded(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)

	items := []string{"contract.txt", "chatlog.json"}
	hashes := []string{hashItem(items[0]), hashItem(items[1])}
	ev := &protocol.Evidence{DisputeID: ack.DisputeID, Items: items, Statement: "he never delivered"}
	ev.Signature = h.disputant.sign(EvidenceSigning(ack.DisputeID, hashes, ev.Statement))

	recv, err := h.engine.SubmitEvidence("alice", ev)
	require.NoError(t, err)
	assert.Equal(t, hashes, recv.Hashes)

	d := h.engine.Get(ack.DisputeID)
	assert.Equal(t, hashes, d.Evidence["alice"].Hashes)

	over := &protocol.Evidence{DisputeID: ack.DisputeID, Items: make([]string, MaxEvidenceItems+1)}
	_, err = h.engine.SubmitEvidence("alice", over)
	assert.Error(t, err)

	outsider := newSigner(t, "mallory")
	h.signers["mallory"] = outsider
	evo := &protocol.Evidence{DisputeID: ack.DisputeID, Items: nil, Statement: "let me in"}
	evo.Signature = outsider.sign(EvidenceSigning(ack.DisputeID, nil, evo.Statement))
	_, err = h.engine.SubmitEvidence("mallory", evo)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotProposalParty, perr.Code)
}

func TestMajorityVerdictSettlesRatings(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)
	require.NoError(t, h.engine.CloseEvidence(ack.DisputeID))
	assert.Len(t, h.ofType(protocol.TypeCaseReady), PanelSize)

	panel := h.panelIDs(t, ack.DisputeID)
	h.vote(t, panel[0], protocol.VerdictDisputant)
	h.vote(t, panel[1], protocol.VerdictRespondent)
	h.vote(t, panel[2], protocol.VerdictDisputant)

	d := h.engine.Get(ack.DisputeID)
	assert.Equal(t, PhaseResolved, d.Phase)
	assert.Equal(t, protocol.VerdictDisputant, d.Verdict)

	require.NotNil(t, d.RatingDelta)
	assert.Greater(t, d.RatingDelta["alice"], 0.0)
	assert.InDelta(t, 0, d.RatingDelta["alice"]+d.RatingDelta["bob"], 1e-9)

	require.Len(t, h.fired, 1)
	assert.Equal(t, events.SettlementVerdict, h.fired[0].Type)
	assert.Equal(t, "bob", h.fired[0].FaultParty)

	// Verdict and settlement reach three arbiters plus both parties.
	assert.Len(t, h.ofType(protocol.TypeVerdict), PanelSize+2)
	assert.Len(t, h.ofType(protocol.TypeSettlementComplete), PanelSize+2)
}

func TestSplitVoteIsMutual(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)
	require.NoError(t, h.engine.CloseEvidence(ack.DisputeID))

	panel := h.panelIDs(t, ack.DisputeID)
	h.vote(t, panel[0], protocol.VerdictDisputant)
	h.vote(t, panel[1], protocol.VerdictRespondent)
	h.vote(t, panel[2], protocol.VerdictMutual)

	assert.Equal(t, protocol.VerdictMutual, h.engine.Get(ack.DisputeID).Verdict)
}

func TestDeliberationTimeoutForfeitsNonVoters(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)
	require.NoError(t, h.engine.CloseEvidence(ack.DisputeID))

	panel := h.panelIDs(t, ack.DisputeID)
	h.vote(t, panel[0], protocol.VerdictDisputant)
	h.vote(t, panel[1], protocol.VerdictDisputant)

	h.now = h.now.Add(DeliberationWindow + time.Minute)
	h.engine.Tick()

	d := h.engine.Get(ack.DisputeID)
	assert.Equal(t, PhaseResolved, d.Phase)
	assert.Equal(t, protocol.VerdictDisputant, d.Verdict, "two agreeing votes carry despite the forfeit")

	var forfeits int
	for _, s := range d.Slots {
		if s.Status == SlotForfeited {
			forfeits++
		}
	}
	assert.Equal(t, 1, forfeits)
}

func TestNonArbiterCannotVote(t *testing.T) {
	h := newArbHarness(t)
	ack := h.open(t, "n0")
	h.reveal(t, "n0")
	h.acceptAll(t, ack.DisputeID)
	require.NoError(t, h.engine.CloseEvidence(ack.DisputeID))

	err := h.engine.Vote("alice", &protocol.ArbiterVote{
		DisputeID: ack.DisputeID, Verdict: protocol.VerdictDisputant,
		Signature: h.disputant.sign(VoteSigning(ack.DisputeID, protocol.VerdictDisputant, "")),
	})
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotArbiter, perr.Code)
}

func TestDuplicateDisputeRefused(t *testing.T) {
	h := newArbHarness(t)
	h.open(t, "n0")

	in := &protocol.DisputeIntent{ProposalID: "p1", Reason: "again", Commitment: Commitment("n1")}
	in.Signature = h.disputant.sign(IntentSigning(in.ProposalID, in.Reason, in.Commitment))
	_, err := h.engine.OpenIntent("alice", "bob", 0, in)
	assert.Error(t, err)
}
