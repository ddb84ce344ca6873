package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentchat/relay/internal/admission"
	"github.com/agentchat/relay/internal/callback"
	"github.com/agentchat/relay/internal/escalation"
	"github.com/agentchat/relay/internal/floor"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/moderation"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/registry"
)

// handleFrame is the single entry point for inbound frames. It applies the
// sliding-window rate policy, decodes, gates on identification, and routes
// to the per-kind handler. Frames on one connection arrive in order.
func (s *Server) handleFrame(c *conn, data []byte) {
	now := time.Now()

	if !c.allowFrame(now) {
		if c.identified() == "" {
			c.terminate("flood", websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}
		s.recordViolation(c, "frame flood")
		c.pushError(protocol.Errorf(protocol.ErrRateLimited, "slow down"))
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.FramesIn.WithLabelValues("invalid").Inc()
		var perr *protocol.Error
		if errors.As(err, &perr) {
			c.pushError(perr)
		} else {
			c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, err.Error()))
		}
		return
	}
	kind := msg.Kind()
	s.metrics.FramesIn.WithLabelValues(string(kind)).Inc()
	defer func(start time.Time) {
		s.metrics.DispatchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}(now)

	if s.cfg.Server.LogTraffic {
		s.logger.Printf("%s <- %s", c.id, s.redactor.Redact(string(kind)))
	}

	// Pre-identification surface.
	switch m := msg.(type) {
	case *protocol.Identify:
		s.handleIdentify(c, m)
		return
	case *protocol.VerifyIdentity:
		s.handleVerifyIdentity(c, m)
		return
	case *protocol.CaptchaResponse:
		s.handleCaptchaResponse(c, m)
		return
	case *protocol.Ping:
		c.push(protocol.TypePong, &protocol.Pong{})
		return
	case *protocol.Pong:
		c.mu.Lock()
		c.alive = true
		c.mu.Unlock()
		return
	}

	agent := s.reg.ByConn(c.id)
	if agent == nil {
		c.pushError(protocol.Errorf(protocol.ErrAuthRequired, "identify first"))
		return
	}
	s.maybeEndLurk(agent, now)

	switch m := msg.(type) {
	case *protocol.SetNick:
		s.handleSetNick(c, agent, m)
	case *protocol.SetStatus:
		s.reg.SetStatus(agent.ID, m.Status)
	case *protocol.Join:
		s.pushIfErr(c, s.router.Join(agent, m.Channel))
	case *protocol.Leave:
		if err := s.router.Leave(agent, m.Channel); err != nil {
			s.pushIfErr(c, err)
			break
		}
		s.floors.ReleaseHolder(agent.ID, m.Channel)
	case *protocol.CreateChannel:
		s.pushIfErr(c, s.router.Create(agent, m.Channel, m.InviteOnly, m.VerifiedOnly))
	case *protocol.Invite:
		s.pushIfErr(c, s.router.Invite(agent, m.Channel, m.Agent))
	case *protocol.ListChannels:
		c.push(protocol.TypeChannels, &protocol.Channels{Channels: s.router.List()})
	case *protocol.ListAgents:
		s.handleListAgents(c, m)
	case *protocol.Msg:
		s.handleMsg(c, agent, m, now)
	case *protocol.Typing:
		s.router.Typing(agent, m.Channel)
	case *protocol.FileChunk:
		s.handleFileChunk(c, agent, m, now)
	case *protocol.RespondingTo:
		s.handleRespondingTo(c, agent, m)
	case *protocol.Proposal:
		s.handleProposal(c, agent, m)
	case *protocol.Accept:
		s.handleProposalTransition(c, agent, protocol.TypeAccept, func() (*proposal.Record, error) {
			return s.props.Accept(agent, m)
		})
	case *protocol.Reject:
		s.handleProposalTransition(c, agent, protocol.TypeReject, func() (*proposal.Record, error) {
			return s.props.Reject(agent, m)
		})
	case *protocol.Complete:
		s.handleProposalTransition(c, agent, protocol.TypeComplete, func() (*proposal.Record, error) {
			return s.props.Complete(agent, m)
		})
	case *protocol.Dispute:
		s.handleProposalTransition(c, agent, protocol.TypeDispute, func() (*proposal.Record, error) {
			return s.props.OpenDispute(agent, m)
		})
	case *protocol.DisputeIntent:
		s.handleDisputeIntent(c, agent, m)
	case *protocol.DisputeReveal:
		s.handleDisputeReveal(c, agent, m)
	case *protocol.Evidence:
		s.handleEvidence(c, agent, m)
	case *protocol.ArbiterAccept:
		s.pushIfErr(c, s.arb.AcceptSeat(agent.ID, m))
	case *protocol.ArbiterDecline:
		s.pushIfErr(c, s.arb.DeclineSeat(agent.ID, m))
	case *protocol.ArbiterVote:
		s.pushIfErr(c, s.arb.Vote(agent.ID, m))
	case *protocol.RegisterSkills:
		s.handleRegisterSkills(c, agent, m)
	case *protocol.SearchSkills:
		c.push(protocol.TypeSkillsResult, &protocol.SkillsResult{
			Query:   m.Query,
			Matches: s.skills.Search(m.Query),
		})
	case *protocol.VerifyRequest:
		s.handleVerifyRequest(c, agent, m)
	case *protocol.VerifyResponse:
		s.handleVerifyResponse(c, agent, m)
	case *protocol.Admin:
		s.handleAdmin(c, agent, m)
	default:
		c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, "unhandled message type"))
	}
}

// pushIfErr reports an engine error to the connection; nil is a no-op.
func (s *Server) pushIfErr(c *conn, err error) {
	if err == nil {
		return
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		c.pushError(perr)
		return
	}
	c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, err.Error()))
}

// --- identification -----------------------------------------------------

func (s *Server) handleIdentify(c *conn, m *protocol.Identify) {
	if c.identified() != "" {
		c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, "already identified"))
		return
	}

	if m.PubKey == "" {
		if !s.gate.AllowsEphemeral() {
			c.pushError(protocol.Errorf(protocol.ErrNotAllowed, "this relay requires a registered key"))
			return
		}
		if s.cfg.Admission.CaptchaEnabled {
			pc := s.captchas.Issue(c.id, m.Name)
			c.push(protocol.TypeCaptchaChallenge, &protocol.CaptchaChallenge{
				CaptchaID: pc.CaptchaID,
				Question:  pc.Question,
				ExpiresAt: pc.ExpiresAt.UnixMilli(),
			})
			return
		}
		s.completeEphemeral(c, m.Name)
		return
	}

	if _, err := identity.ParsePublicKey(m.PubKey); err != nil {
		c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, "pubkey must be an Ed25519 SPKI PEM"))
		return
	}
	switch s.gate.CheckKey(m.PubKey) {
	case admission.Banned:
		c.pushError(protocol.Errorf(protocol.ErrBanned, "this key is banned"))
		c.terminate("kicked", websocket.ClosePolicyViolation, "banned")
		return
	case admission.NotAllowed:
		c.pushError(protocol.Errorf(protocol.ErrNotAllowed, "key is not on the allowlist"))
		return
	}

	ch := s.challenges.Issue(c.id, m.Name, m.PubKey)
	c.push(protocol.TypeChallenge, &protocol.Challenge{
		ChallengeID: ch.ChallengeID,
		Nonce:       ch.Nonce,
		ExpiresAt:   ch.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleVerifyIdentity(c *conn, m *protocol.VerifyIdentity) {
	ch, ok := s.challenges.Take(c.id, m.ChallengeID)
	if !ok {
		c.pushError(protocol.Errorf(protocol.ErrVerificationExpired, "challenge not found or expired"))
		return
	}
	valid, err := identity.Verify([]byte(ch.Nonce), m.Signature, ch.ClaimedKey)
	if err != nil || !valid {
		c.push(protocol.TypeVerifyFailed, protocol.Errorf(protocol.ErrVerificationFailed, "signature does not match challenge"))
		c.terminate("kicked", websocket.ClosePolicyViolation, "verification failed")
		return
	}
	s.finishIdentify(c, ch.ClaimedName, ch.ClaimedKey)
}

func (s *Server) handleCaptchaResponse(c *conn, m *protocol.CaptchaResponse) {
	res, pc := s.captchas.Check(c.id, m.CaptchaID, m.Answer)
	switch res {
	case identity.CaptchaGone:
		c.pushError(protocol.Errorf(protocol.ErrCaptchaExpired, "captcha not found or expired"))
	case identity.CaptchaRetry:
		left := identity.MaxCaptchaAttempts - pc.Attempts
		c.pushError(protocol.Errorf(protocol.ErrCaptchaFailed, fmt.Sprintf("incorrect, %d attempts left", left)))
	case identity.CaptchaFail:
		c.pushError(protocol.Errorf(protocol.ErrCaptchaFailed, "captcha failed"))
		c.terminate("kicked", websocket.ClosePolicyViolation, "captcha failed")
	case identity.CaptchaPass:
		s.completeEphemeral(c, pc.StagedName)
	}
}

// completeEphemeral admits a keyless session under a fresh anon_* id.
// Ephemeral agents always start inside the lurk window unless lurking is
// disabled outright.
func (s *Server) completeEphemeral(c *conn, name string) {
	now := time.Now()
	var lurkUntil time.Time
	if !s.cfg.Admission.LurkDisabled {
		lurkUntil = now.Add(admission.DefaultLurkWindow)
	}
	s.admit(c, &registry.Agent{
		ID:          identity.NewEphemeralID(),
		Name:        name,
		Verified:    false,
		Lurking:     !lurkUntil.IsZero(),
		LurkUntil:   lurkUntil,
		ConnID:      c.id,
		ConnectedAt: now,
	})
}

func (s *Server) finishIdentify(c *conn, name, pubPEM string) {
	now := time.Now()
	lurkUntil, firstSight := s.gate.Observe(pubPEM, now)
	if firstSight {
		s.logger.Printf("first sight of key for %s", identity.ShortID(identity.AgentID(pubPEM)))
	}
	s.admit(c, &registry.Agent{
		ID:          identity.AgentID(pubPEM),
		Name:        name,
		PubKey:      pubPEM,
		Verified:    true,
		Lurking:     !lurkUntil.IsZero(),
		LurkUntil:   lurkUntil,
		ConnID:      c.id,
		ConnectedAt: now,
	})
}

func (s *Server) admit(c *conn, agent *registry.Agent) {
	displaced := s.reg.Register(agent)
	if displaced != "" && displaced != c.id {
		s.mu.Lock()
		old := s.conns[displaced]
		s.mu.Unlock()
		if old != nil {
			old.push(protocol.TypeSessionDisplaced, &protocol.SessionDisplaced{
				Reason: "your key identified from another connection",
			})
			old.terminate("displaced", websocket.CloseGoingAway, "session displaced")
		}
	}
	c.bindAgent(agent.ID)
	s.metrics.ConnectedAgents.Set(float64(s.reg.Count()))

	welcome := &protocol.Welcome{
		AgentID:  agent.ID,
		Name:     agent.Name,
		Server:   s.cfg.Server.Name,
		MOTD:     s.currentMOTD(),
		Verified: agent.Verified,
		Lurking:  agent.Lurking,
	}
	if agent.Lurking {
		welcome.LurkTil = agent.LurkUntil.UnixMilli()
	}
	c.push(protocol.TypeWelcome, welcome)
	s.logger.Printf("agent %s identified as %q (verified=%v)", agent.ID, agent.Name, agent.Verified)
}

// maybeEndLurk clears the lurk flag once the window has genuinely passed.
func (s *Server) maybeEndLurk(agent *registry.Agent, now time.Time) {
	if agent.Lurking && !now.Before(agent.LurkUntil) {
		s.reg.EndLurk(agent.ID)
		agent.Lurking = false
	}
}

// --- presence and channels ----------------------------------------------

func (s *Server) handleSetNick(c *conn, agent *registry.Agent, m *protocol.SetNick) {
	nick := strings.TrimSpace(m.Nick)
	if nick == "" || len(nick) > 32 || strings.ContainsAny(nick, " \t\n@#") {
		c.pushError(protocol.Errorf(protocol.ErrInvalidName, "nicks are short and contain no spaces, @ or #"))
		return
	}
	if !s.reg.SetNick(agent.ID, nick) {
		c.pushError(protocol.Errorf(protocol.ErrInvalidName, "nick already in use"))
		return
	}
	s.broadcast(protocol.TypeNickChanged, &protocol.NickChanged{Agent: agent.ID, Nick: nick})
}

func (s *Server) handleListAgents(c *conn, m *protocol.ListAgents) {
	if m.Channel != "" {
		roster, err := s.router.Roster(m.Channel)
		if err != nil {
			s.pushIfErr(c, err)
			return
		}
		c.push(protocol.TypeAgents, &protocol.Agents{Channel: m.Channel, Agents: roster})
		return
	}
	all := s.reg.All()
	out := make([]protocol.AgentSummary, 0, len(all))
	for _, a := range all {
		out = append(out, protocol.AgentSummary{
			ID: a.ID, Name: a.Name, Nick: a.Nick, Status: a.Status, Verified: a.Verified,
		})
	}
	c.push(protocol.TypeAgents, &protocol.Agents{Agents: out})
}

// --- messaging ----------------------------------------------------------

func (s *Server) handleMsg(c *conn, agent *registry.Agent, m *protocol.Msg, now time.Time) {
	key := s.escalationKey(agent.ID)
	if blocked, until, level := s.ladder.Check(key); blocked {
		c.pushError(protocol.Errorf(protocol.ErrRateLimited,
			fmt.Sprintf("%s until %s", level, until.UTC().Format(time.RFC3339))))
		return
	}
	if interval := time.Duration(s.cfg.Limits.RateLimitMS) * time.Millisecond; interval > 0 {
		if !c.allowMsg(now, interval) {
			s.recordViolation(c, "message rate")
			c.pushError(protocol.Errorf(protocol.ErrRateLimited, "one message per rate window"))
			return
		}
	}

	channel := ""
	if strings.HasPrefix(m.To, "#") {
		channel = m.To
	}
	verdict := s.mods.Run(moderation.Event{
		AgentID:   agent.ID,
		Channel:   channel,
		Content:   m.Content,
		Verified:  agent.Verified,
		SessionMS: c.sessionMS(now),
	})
	switch verdict.Action {
	case moderation.Block:
		s.recordViolation(c, "blocked by "+verdict.Plugin)
		c.pushError(protocol.Errorf(protocol.ErrNotAllowed, "message blocked by moderation"))
		return
	case moderation.Throttle:
		c.pushError(protocol.Errorf(protocol.ErrRateLimited, "throttled by moderation"))
		return
	case moderation.Warn:
		s.deliver(agent.ID, protocol.TypeMsg, &protocol.MsgOut{
			MsgID:   "msg_" + uuid.NewString(),
			From:    protocol.ServerAgent,
			To:      "@" + agent.ID,
			Content: "warning: " + verdict.Plugin + " flagged your last message",
			Ts:      now.UnixMilli(),
		})
	}

	cleaned, markers := callback.Parse(m.Content)
	for _, mk := range markers {
		if mk.Channel == "" {
			mk.Channel = channel
		}
		if id := s.callbacks.Schedule(agent.ID, mk); id != "" {
			s.metrics.CallbacksQueued.Inc()
		}
	}
	if strings.TrimSpace(cleaned) == "" {
		return
	}

	out, err := s.router.SendMessage(agent, m.To, cleaned)
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	kind := "direct"
	if channel != "" {
		kind = "channel"
	}
	s.metrics.MessagesRouted.WithLabelValues(kind).Inc()
	if out.Content != cleaned {
		s.metrics.Redactions.Inc()
	}
	if s.cfg.Server.LogTraffic {
		s.logger.Printf("%s -> %s: %s", agent.ID, m.To, out.Content)
	}
}

func (s *Server) handleFileChunk(c *conn, agent *registry.Agent, m *protocol.FileChunk, now time.Time) {
	interval := time.Duration(s.cfg.Limits.RateLimitMS) * time.Millisecond
	if interval > 0 && !c.allowChunk(now, interval) {
		c.pushError(protocol.Errorf(protocol.ErrRateLimited, "one file chunk per rate window"))
		return
	}
	s.pushIfErr(c, s.router.SendFileChunk(agent, m))
}

// recordViolation feeds the escalation ladder and applies its verdict.
func (s *Server) recordViolation(c *conn, reason string) {
	agentID := c.identified()
	if agentID == "" {
		return
	}
	act := s.ladder.Record(s.escalationKey(agentID), reason)
	s.metrics.Violations.WithLabelValues(actionLabel(act)).Inc()
	if act == escalation.ActionKick {
		c.terminate("kicked", websocket.ClosePolicyViolation, "repeated violations")
	}
}

func actionLabel(a escalation.Action) string {
	switch a {
	case escalation.ActionWarn:
		return "warn"
	case escalation.ActionThrottle:
		return "throttle"
	case escalation.ActionTimeout:
		return "timeout"
	case escalation.ActionKick:
		return "kick"
	default:
		return "none"
	}
}

// --- floor control ------------------------------------------------------

func (s *Server) handleRespondingTo(c *conn, agent *registry.Agent, m *protocol.RespondingTo) {
	if !s.router.IsMember(m.Channel, agent.ID) {
		c.pushError(protocol.Errorf(protocol.ErrChannelNotFound, "not in "+m.Channel))
		return
	}

	res := s.floors.Claim(m.Channel, m.MsgID, agent.ID, m.StartedAt)
	claimed := &protocol.FloorClaimed{
		MsgID:           m.MsgID,
		Channel:         m.Channel,
		Holder:          res.Current.Holder,
		HolderStartedAt: res.Current.StartedAt,
	}

	switch res.Outcome {
	case floor.Granted, floor.Displaced:
		if res.Outcome == floor.Displaced {
			s.deliver(res.Prev.Holder, protocol.TypeYield, &protocol.Yield{
				MsgID:           m.MsgID,
				Channel:         m.Channel,
				Holder:          res.Current.Holder,
				HolderStartedAt: res.Current.StartedAt,
				Reason:          floor.YieldReason,
			})
		}
		for _, id := range s.router.Members(m.Channel) {
			if id != agent.ID {
				s.deliver(id, protocol.TypeFloorClaimed, claimed)
			}
		}
	case floor.Denied:
		s.deliver(agent.ID, protocol.TypeYield, &protocol.Yield{
			MsgID:           m.MsgID,
			Channel:         m.Channel,
			Holder:          res.Current.Holder,
			HolderStartedAt: res.Current.StartedAt,
			Reason:          floor.YieldReason,
		})
	}
}

// --- proposals ----------------------------------------------------------

func (s *Server) handleProposal(c *conn, agent *registry.Agent, m *protocol.Proposal) {
	var firstSeen int64
	if agent.PubKey != "" {
		if t := s.gate.FirstSeenAt(agent.PubKey); !t.IsZero() {
			firstSeen = t.UnixMilli()
		}
	}
	rec, err := s.props.Create(agent, m, firstSeen)
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	s.metrics.Proposals.WithLabelValues(rec.Status).Inc()
	s.notifyProposal(protocol.TypeProposal, rec)
}

// handleProposalTransition runs one engine transition and mirrors the
// resulting record to both parties under the transition's frame type.
func (s *Server) handleProposalTransition(c *conn, _ *registry.Agent, t protocol.MsgType, run func() (*proposal.Record, error)) {
	rec, err := run()
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	s.metrics.Proposals.WithLabelValues(rec.Status).Inc()
	s.notifyProposal(t, rec)
}

func (s *Server) notifyProposal(t protocol.MsgType, rec *proposal.Record) {
	ev := proposal.Event(rec, time.Now().UnixMilli())
	s.deliver(rec.From, t, ev)
	s.deliver(rec.To, t, ev)
}

// --- arbitration --------------------------------------------------------

func (s *Server) handleDisputeIntent(c *conn, agent *registry.Agent, m *protocol.DisputeIntent) {
	rec := s.props.Get(m.ProposalID)
	if rec == nil {
		c.pushError(protocol.Errorf(protocol.ErrProposalNotFound, "no such proposal"))
		return
	}
	if agent.ID != rec.From && agent.ID != rec.To {
		c.pushError(protocol.Errorf(protocol.ErrNotProposalParty, "only parties may dispute"))
		return
	}
	switch rec.Status {
	case protocol.StatusAccepted, protocol.StatusCompleted, protocol.StatusDisputed:
	default:
		c.pushError(protocol.Errorf(protocol.ErrInvalidProposal, "proposal is "+rec.Status))
		return
	}

	respondent := rec.From
	if agent.ID == rec.From {
		respondent = rec.To
	}
	ack, err := s.arb.OpenIntent(agent.ID, respondent, rec.ProposerStake+rec.AcceptorStake, m)
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	c.push(protocol.TypeDisputeIntentAck, ack)
}

func (s *Server) handleDisputeReveal(c *conn, agent *registry.Agent, m *protocol.DisputeReveal) {
	rev, err := s.arb.Reveal(agent.ID, m)
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	c.push(protocol.TypeDisputeRevealed, rev)
}

func (s *Server) handleEvidence(c *conn, agent *registry.Agent, m *protocol.Evidence) {
	ack, err := s.arb.SubmitEvidence(agent.ID, m)
	if err != nil {
		s.pushIfErr(c, err)
		return
	}
	c.push(protocol.TypeEvidenceReceived, ack)
}

// --- skills -------------------------------------------------------------

// SkillsSigning is the canonical signing string for REGISTER_SKILLS:
// lowercased capabilities, pipe-delimited, in submission order.
func SkillsSigning(skills []protocol.SkillEntry) string {
	parts := make([]string, 0, len(skills)+1)
	parts = append(parts, "SKILLS")
	for _, sk := range skills {
		parts = append(parts, strings.ToLower(strings.TrimSpace(sk.Capability)))
	}
	return strings.Join(parts, "|")
}

func (s *Server) handleRegisterSkills(c *conn, agent *registry.Agent, m *protocol.RegisterSkills) {
	if agent.PubKey == "" {
		c.pushError(protocol.Errorf(protocol.ErrSignatureRequired, "skill registration requires a persistent key"))
		return
	}
	if m.Signature == "" {
		c.pushError(protocol.Errorf(protocol.ErrSignatureRequired, "missing signature"))
		return
	}
	valid, err := identity.Verify([]byte(SkillsSigning(m.Skills)), m.Signature, agent.PubKey)
	if err != nil || !valid {
		c.pushError(protocol.Errorf(protocol.ErrVerificationFailed, "skills signature does not verify"))
		return
	}

	s.skills.Register(agent.ID, m.Skills, m.Signature)

	reg := s.skills.Get(agent.ID)
	matches := make([]protocol.SkillMatch, 0, len(reg.Skills))
	for _, sk := range reg.Skills {
		matches = append(matches, protocol.SkillMatch{
			Agent:      agent.ID,
			Capability: sk.Capability,
			Rate:       sk.Rate,
			Currency:   sk.Currency,
			Rating:     s.rep.Rating(agent.ID),
		})
	}
	c.push(protocol.TypeSkillsResult, &protocol.SkillsResult{Matches: matches})
}

// --- peer verification --------------------------------------------------

func (s *Server) handleVerifyRequest(c *conn, agent *registry.Agent, m *protocol.VerifyRequest) {
	target := s.reg.Resolve(m.Target)
	if target == nil {
		c.pushError(protocol.Errorf(protocol.ErrAgentNotFound, m.Target+" is not online"))
		return
	}
	if target.PubKey == "" {
		c.pushError(protocol.Errorf(protocol.ErrNoPubkey, "target has no persistent key"))
		return
	}
	pv := s.verifications.Open(agent.ID, target.ID)
	s.deliver(target.ID, protocol.TypeVerifyChallenge, &protocol.VerifyChallengeOut{
		VerificationID: pv.VerificationID,
		Requester:      agent.ID,
		Nonce:          pv.Nonce,
		ExpiresAt:      pv.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleVerifyResponse(c *conn, agent *registry.Agent, m *protocol.VerifyResponse) {
	pv, expired := s.verifications.Take(m.VerificationID, agent.ID)
	if expired {
		c.pushError(protocol.Errorf(protocol.ErrVerificationExpired, "verification window passed"))
		return
	}
	if pv == nil {
		c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, "unknown verification"))
		return
	}
	valid, err := identity.Verify([]byte(pv.Nonce), m.Signature, agent.PubKey)
	result := &protocol.VerifyResult{
		VerificationID: pv.VerificationID,
		Target:         agent.ID,
		Verified:       err == nil && valid,
	}
	if !result.Verified {
		result.Reason = "signature does not match nonce"
	}
	s.deliver(pv.RequesterID, protocol.TypeVerifyResult, result)
}

// --- admin --------------------------------------------------------------

func (s *Server) handleAdmin(c *conn, agent *registry.Agent, m *protocol.Admin) {
	key := s.cfg.Admission.AdminKey
	if key == "" || m.Key != key {
		// Unauthorized admin calls look exactly like an unknown type.
		c.pushError(protocol.Errorf(protocol.ErrInvalidMsg, "unknown message type ADMIN"))
		return
	}

	result := &protocol.AdminResult{Action: m.Action, OK: true}
	switch m.Action {
	case "approve":
		if m.PubKey == "" {
			result.OK, result.Detail = false, "approve requires pubkey"
			break
		}
		err := s.gate.Approve(admission.ListEntry{
			PubKey:     m.PubKey,
			AgentID:    identity.AgentID(m.PubKey),
			ApprovedBy: agent.ID,
			Note:       m.Note,
		})
		if err != nil {
			result.OK, result.Detail = false, err.Error()
		}
	case "ban":
		pub := m.PubKey
		if pub == "" && m.Agent != "" {
			if t := s.reg.Resolve(m.Agent); t != nil {
				pub = t.PubKey
			}
		}
		if pub == "" {
			result.OK, result.Detail = false, "ban requires pubkey or a connected agent"
			break
		}
		err := s.gate.Ban(admission.ListEntry{
			PubKey:     pub,
			AgentID:    identity.AgentID(pub),
			ApprovedBy: agent.ID,
			Note:       m.Note,
		})
		if err != nil {
			result.OK, result.Detail = false, err.Error()
			break
		}
		if live := s.reg.Get(identity.AgentID(pub)); live != nil {
			s.mu.Lock()
			lc := s.conns[live.ConnID]
			s.mu.Unlock()
			if lc != nil {
				lc.pushError(protocol.Errorf(protocol.ErrBanned, "banned by operator"))
				lc.terminate("kicked", websocket.ClosePolicyViolation, "banned")
			}
		}
	case "unban":
		if m.PubKey == "" {
			result.OK, result.Detail = false, "unban requires pubkey"
			break
		}
		if err := s.gate.Unban(m.PubKey); err != nil {
			result.OK, result.Detail = false, err.Error()
		}
	case "motd":
		s.setMOTD(m.MOTD)
		s.broadcast(protocol.TypeMOTDUpdate, &protocol.MOTDUpdate{MOTD: m.MOTD})
	default:
		result.OK, result.Detail = false, "unknown action"
	}
	c.push(protocol.TypeAdminResult, result)
}

func (s *Server) currentMOTD() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motd
}

func (s *Server) setMOTD(motd string) {
	s.mu.Lock()
	s.motd = motd
	s.mu.Unlock()
}
