// Package server is the relay's transport and dispatch layer: the
// websocket listener, the HTTP side endpoints, per-connection rate and
// heartbeat policy, and the routing of decoded frames into the engines.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentchat/relay/internal/admission"
	"github.com/agentchat/relay/internal/arbitration"
	"github.com/agentchat/relay/internal/callback"
	"github.com/agentchat/relay/internal/channels"
	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/escalation"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/floor"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/moderation"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/redact"
	"github.com/agentchat/relay/internal/registry"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/skills"
)

// Version reported by /health.
const Version = "1.0.0"

const (
	idleScanInterval  = 60 * time.Second
	sweepInterval     = 5 * time.Second
	linkGraceMS       = 5 * 60 * 1000
	idlePromptContent = "It has been quiet here for a while. Anyone around?"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server wires every engine behind one websocket endpoint.
type Server struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	redactor *redact.Redactor

	reg           *registry.Registry
	gate          *admission.Gate
	challenges    *identity.ChallengeManager
	captchas      *identity.CaptchaManager
	verifications *identity.VerificationManager
	router        *channels.Router
	floors        *floor.Registry
	rep           *reputation.Store
	props         *proposal.Engine
	arb           *arbitration.Engine
	skills        *skills.Store
	callbacks     *callback.Queue
	ladder        *escalation.Engine
	mods          *moderation.Pipeline
	bus           *events.Bus

	mu        sync.Mutex
	conns     map[string]*conn // conn id -> conn
	ipCount   map[string]int
	motd      string
	startedAt time.Time
}

// New assembles a server from config. The event bus is exposed so the
// caller can attach escrow-hook handlers and mirrors before Run.
func New(cfg *config.Config, bus *events.Bus) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
		metrics:   metrics.New(),
		redactor:  redact.Default(),
		reg:       registry.New(),
		bus:       bus,
		conns:     make(map[string]*conn),
		ipCount:   make(map[string]int),
		motd:      cfg.Server.MOTD,
		startedAt: time.Now(),
	}

	gate, err := admission.NewGate(admission.Policy{
		AllowlistEnabled: cfg.Admission.AllowlistEnabled,
		Strict:           cfg.Admission.AllowlistStrict,
		LurkDisabled:     cfg.Admission.LurkDisabled,
		DataDir:          cfg.Server.DataDir,
	})
	if err != nil {
		return nil, err
	}
	s.gate = gate

	rep, err := reputation.NewStore(cfg.Server.DataDir)
	if err != nil {
		return nil, err
	}
	s.rep = rep

	sk, err := skills.NewStore(cfg.Server.DataDir, rep.Rating)
	if err != nil {
		return nil, err
	}
	s.skills = sk

	s.challenges = identity.NewChallengeManager(cfg.ChallengeTimeout())
	s.captchas = identity.NewCaptchaManager(2 * time.Minute)
	s.verifications = identity.NewVerificationManager(30 * time.Second)
	s.router = channels.NewRouter(s.reg, s.redactor, s.deliver, cfg.Limits.MessageBufferSize)
	s.floors = floor.NewRegistry(floor.DefaultTTL)
	s.props = proposal.NewEngine(bus, rep, cfg.Server.DataDir, proposal.DefaultMinAge)
	s.arb = arbitration.NewEngine(rep, bus, s.deliver, s.arbiterCandidates, s.keyFor)
	if days := cfg.Arbitration.IndependenceDays; days > 0 {
		window := time.Duration(days) * 24 * time.Hour
		s.arb.SetIndependent(func(arbiter, disputant, respondent string) bool {
			cutoff := time.Now().Add(-window).UnixMilli()
			return !s.props.RelatedSince(arbiter, disputant, cutoff) &&
				!s.props.RelatedSince(arbiter, respondent, cutoff)
		})
	}
	s.callbacks = callback.NewQueue(callback.Limits{
		MaxDelay:    time.Duration(cfg.Callbacks.MaxDurationS) * time.Second,
		MaxPayload:  cfg.Callbacks.MaxPayload,
		MaxPerAgent: cfg.Callbacks.MaxPerAgent,
		Poll:        time.Duration(cfg.Callbacks.PollMS) * time.Millisecond,
	})
	s.ladder = escalation.NewEngine(escalation.Params{})

	s.mods = moderation.NewPipeline()
	link, err := moderation.NewLinkDetector(linkGraceMS)
	if err != nil {
		return nil, err
	}
	s.mods.Use(link, moderation.FailOpen)
	s.mods.Use(moderation.NewEscalationAdapter(s.ladder, s.escalationKey), moderation.FailOpen)

	s.bus.On(events.SettlementCompletion, func(ev events.Event) error {
		s.injectReceipt("Proposal " + ev.ProposalID + " completed by " + ev.Proposer + " and " + ev.Acceptor)
		return nil
	})
	s.bus.On(events.SettlementVerdict, func(ev events.Event) error {
		outcome := "mutual"
		switch ev.FaultParty {
		case "":
		case ev.Acceptor:
			outcome = "disputant"
		case ev.Proposer:
			outcome = "respondent"
		}
		s.metrics.Disputes.WithLabelValues(outcome).Inc()

		verdict := "Verdict on proposal " + ev.ProposalID + ": mutual fault"
		if ev.FaultParty != "" {
			verdict = "Verdict on proposal " + ev.ProposalID + ": at fault " + ev.FaultParty
		}
		s.injectReceipt(verdict)
		return nil
	})

	return s, nil
}

// injectReceipt buffers a terminal proposal or verdict event in the
// receipts channel. Best effort: failures cannot affect settlement.
func (s *Server) injectReceipt(content string) {
	s.router.Inject(channels.ReceiptsChannel, protocol.MsgOut{
		MsgID:   "msg_" + uuid.NewString(),
		From:    protocol.ServerAgent,
		To:      channels.ReceiptsChannel,
		Content: content,
		Ts:      time.Now().UnixMilli(),
	})
}

// Bus returns the escrow-hooks bus for external handler registration.
func (s *Server) Bus() *events.Bus { return s.bus }

// Handler builds the HTTP routing table: websocket upgrade, health, and
// Prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.Handler(),
	}

	go s.callbacks.Run(ctx, s.fireCallback)
	go s.sweepLoop(ctx)
	go s.idleLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s (tls=%v)", s.cfg.Addr(), s.cfg.TLSEnabled())
		if s.cfg.TLSEnabled() {
			errc <- httpSrv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			errc <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := realIP(r)

	if limit := s.cfg.Limits.MaxConnsPerIP; limit > 0 {
		s.mu.Lock()
		over := s.ipCount[ip] >= limit
		if !over {
			s.ipCount[ip]++
		}
		s.mu.Unlock()
		if over {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Too many connections from this IP")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			ws.Close()
			s.metrics.ConnectionsClosed.WithLabelValues("flood").Inc()
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade from %s: %v", ip, err)
		s.releaseIP(ip)
		return
	}

	c := newConn("conn_"+uuid.NewString(), ip, ws, s)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.metrics.ConnectionsOpened.WithLabelValues(boolLabel(s.cfg.TLSEnabled())).Inc()

	go c.writePump()
	go c.readPump()
}

func (s *Server) releaseIP(ip string) {
	if s.cfg.Limits.MaxConnsPerIP <= 0 {
		return
	}
	s.mu.Lock()
	if s.ipCount[ip] > 0 {
		s.ipCount[ip]--
		if s.ipCount[ip] == 0 {
			delete(s.ipCount, ip)
		}
	}
	s.mu.Unlock()
}

// healthPayload is the /health response body.
type healthPayload struct {
	Status        string         `json:"status"`
	Server        string         `json:"server"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartedAt     string         `json:"started_at"`
	Agents        healthAgents   `json:"agents"`
	Channels      healthChannels `json:"channels"`
	Proposals     map[string]int `json:"proposals"`
	Timestamp     string         `json:"timestamp"`
}

type healthAgents struct {
	Connected    int `json:"connected"`
	WithIdentity int `json:"with_identity"`
}

type healthChannels struct {
	Total  int `json:"total"`
	Public int `json:"public"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	withIdentity := 0
	for _, a := range s.reg.All() {
		if a.PubKey != "" {
			withIdentity++
		}
	}
	total, public := 0, 0
	for _, ch := range s.router.List() {
		total++
		if !ch.InviteOnly {
			public++
		}
	}

	payload := healthPayload{
		Status:        "ok",
		Server:        s.cfg.Server.Name,
		Version:       Version,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		StartedAt:     s.startedAt.UTC().Format(time.RFC3339),
		Agents:        healthAgents{Connected: s.reg.Count(), WithIdentity: withIdentity},
		Channels:      healthChannels{Total: total, Public: public},
		Proposals:     s.props.Stats(),
		Timestamp:     now.UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// deliver pushes one frame to a live agent; offline targets drop silently.
func (s *Server) deliver(agentID string, t protocol.MsgType, frame any) {
	a := s.reg.Get(agentID)
	if a == nil {
		return
	}
	s.mu.Lock()
	c := s.conns[a.ConnID]
	s.mu.Unlock()
	if c != nil {
		c.push(t, frame)
	}
}

// broadcast pushes a frame to every identified session.
func (s *Server) broadcast(t protocol.MsgType, frame any) {
	for _, a := range s.reg.All() {
		s.deliver(a.ID, t, frame)
	}
}

// arbiterCandidates lists connected persistent-key agents in stable order.
func (s *Server) arbiterCandidates() []string {
	var out []string
	for _, a := range s.reg.All() {
		if a.PubKey != "" && a.Verified {
			out = append(out, a.ID)
		}
	}
	return out
}

// keyFor resolves a live agent's proven public key.
func (s *Server) keyFor(agentID string) string {
	if a := s.reg.Get(agentID); a != nil {
		return a.PubKey
	}
	return ""
}

// escalationKey prefers the persistent pubkey so reconnecting keys keep
// their ladder state; ephemeral agents are keyed by their throwaway id.
func (s *Server) escalationKey(agentID string) string {
	if a := s.reg.Get(agentID); a != nil && a.PubKey != "" {
		return a.PubKey
	}
	return agentID
}

// fireCallback delivers one due callback to its originator. Channel-origin
// callbacks require the originator to still be in the channel.
func (s *Server) fireCallback(e *callback.Entry) {
	s.metrics.CallbacksQueued.Dec()
	if s.reg.Get(e.From) == nil {
		return
	}
	if e.Channel != "" && !s.router.IsMember(e.Channel, e.From) {
		return
	}
	to := "@" + e.From
	if e.Channel != "" {
		to = e.Channel
	}
	s.deliver(e.From, protocol.TypeMsg, &protocol.MsgOut{
		MsgID:    "msg_" + uuid.NewString(),
		From:     protocol.ServerAgent,
		To:       to,
		Content:  callback.FirePrefix + e.Payload,
		Ts:       time.Now().UnixMilli(),
		CbID:     e.ID,
		CbOrigin: e.Channel,
	})
	s.metrics.CallbacksFired.Inc()
	s.metrics.MessagesRouted.WithLabelValues("callback").Inc()
}

// sweepLoop runs the periodic expiry passes.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.challenges.Sweep()
			s.captchas.Sweep()
			s.verifications.Sweep()
			s.floors.Sweep()
			s.ladder.Sweep()
			s.arb.Tick()
			s.metrics.ConnectedAgents.Set(float64(s.reg.Count()))
			s.metrics.ChannelCount.Set(float64(len(s.router.List())))
		}
	}
}

// idleLoop nudges channels with members but no recent traffic.
func (s *Server) idleLoop(ctx context.Context) {
	if !s.cfg.Limits.IdlePrompts {
		return
	}
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout())
			for _, name := range s.router.IdleChannels(cutoff) {
				s.router.Inject(name, protocol.MsgOut{
					MsgID:   "msg_" + uuid.NewString(),
					From:    protocol.ServerAgent,
					To:      name,
					Content: idlePromptContent,
					Ts:      time.Now().UnixMilli(),
				})
			}
		}
	}
}

// disconnect tears down one connection: pending timers first, then floor
// and moderation state, then channel exits, finally the registry entry.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.releaseIP(c.realIP)
	s.metrics.ConnectionsClosed.WithLabelValues(c.cause()).Inc()

	s.challenges.Drop(c.id)
	s.captchas.Drop(c.id)

	agent := s.reg.ByConn(c.id)
	if agent == nil {
		return
	}
	s.verifications.DropAgent(agent.ID)
	if dropped := s.callbacks.DropAgent(agent.ID); dropped > 0 {
		s.metrics.CallbacksQueued.Sub(float64(dropped))
	}
	s.floors.ReleaseHolder(agent.ID, "")
	s.mods.OnDisconnect(agent.ID)

	if removed := s.reg.Remove(c.id); removed != nil {
		s.router.Disconnect(removed)
		s.logger.Printf("agent %s disconnected (%s)", removed.ID, c.cause())
	}
}

func realIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
