package protocol

// Server→client frames. The type tag is spliced in by Encode, so these
// structs carry payload fields only.

// Challenge asks the client to prove control of its claimed key.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ExpiresAt   int64  `json:"expires_at"`
}

// CaptchaChallenge is issued to keyless registrations when captcha is on.
type CaptchaChallenge struct {
	CaptchaID string `json:"captcha_id"`
	Question  string `json:"question"`
	ExpiresAt int64  `json:"expires_at"`
}

// Welcome completes identification.
type Welcome struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name"`
	Server   string `json:"server"`
	MOTD     string `json:"motd,omitempty"`
	Verified bool   `json:"verified"`
	Lurking  bool   `json:"lurking,omitempty"`
	LurkTil  int64  `json:"lurk_until,omitempty"`
}

// SessionDisplaced tells the old session its key reconnected elsewhere.
type SessionDisplaced struct {
	Reason string `json:"reason"`
}

// NickChanged announces a nick assignment.
type NickChanged struct {
	Agent string `json:"agent"`
	Nick  string `json:"nick"`
}

// MOTDUpdate pushes a new message of the day.
type MOTDUpdate struct {
	MOTD string `json:"motd"`
}

// AgentSummary is one row in AGENTS and JOINED listings.
type AgentSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nick     string `json:"nick,omitempty"`
	Status   string `json:"status,omitempty"`
	Verified bool   `json:"verified"`
}

// ChannelSummary is one row in the CHANNELS listing.
type ChannelSummary struct {
	Name         string `json:"name"`
	Members      int    `json:"members"`
	InviteOnly   bool   `json:"invite_only,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
}

// Channels answers LIST_CHANNELS.
type Channels struct {
	Channels []ChannelSummary `json:"channels"`
}

// Agents answers LIST_AGENTS.
type Agents struct {
	Channel string         `json:"channel,omitempty"`
	Agents  []AgentSummary `json:"agents"`
}

// Joined confirms a JOIN to the joiner.
type Joined struct {
	Channel string         `json:"channel"`
	Agents  []AgentSummary `json:"agents"`
}

// Left confirms a LEAVE.
type Left struct {
	Channel string `json:"channel"`
}

// AgentJoined fans out to existing members on JOIN.
type AgentJoined struct {
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Name    string `json:"name"`
}

// AgentLeft fans out on LEAVE or disconnect.
type AgentLeft struct {
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Name    string `json:"name"`
}

// MsgOut is a delivered chat message. Replay marks buffered history sent
// on JOIN. CbID/CbOrigin are set only on synthetic callback fires.
type MsgOut struct {
	MsgID    string `json:"msg_id"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	To       string `json:"to"`
	Content  string `json:"content"`
	Verified bool   `json:"verified"`
	Ts       int64  `json:"ts"`
	Replay   bool   `json:"replay,omitempty"`
	CbID     string `json:"cb_id,omitempty"`
	CbOrigin string `json:"cb_origin,omitempty"`
}

// TypingOut fans a typing indicator to other members.
type TypingOut struct {
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Name    string `json:"name,omitempty"`
}

// FileChunkOut delivers a file chunk.
type FileChunkOut struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Name  string `json:"name"`
	Seq   int    `json:"seq"`
	Data  string `json:"data"`
	Final bool   `json:"final,omitempty"`
}

// ProposalEvent mirrors a proposal state transition to both parties.
type ProposalEvent struct {
	ProposalID string  `json:"proposal_id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Task       string  `json:"task,omitempty"`
	Amount     string  `json:"amount,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Terms      string  `json:"terms,omitempty"`
	EloStake   float64 `json:"elo_stake,omitempty"`
	Status     string  `json:"status"`
	Proof      string  `json:"proof,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Expires    int64   `json:"expires,omitempty"`
	Ts         int64   `json:"ts"`
}

// DisputeIntentAck acknowledges a commitment and opens the reveal window.
type DisputeIntentAck struct {
	DisputeID     string `json:"dispute_id"`
	ProposalID    string `json:"proposal_id"`
	RevealBy      int64  `json:"reveal_by"`
	ServerInvolve string `json:"server_nonce_commitment,omitempty"`
}

// DisputeRevealed confirms a valid reveal.
type DisputeRevealed struct {
	DisputeID string `json:"dispute_id"`
	Seed      string `json:"seed"`
}

// DisputeFallback reports an unarbitrable dispute.
type DisputeFallback struct {
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
}

// ArbiterAssigned invites an agent onto a panel.
type ArbiterAssigned struct {
	DisputeID  string `json:"dispute_id"`
	ProposalID string `json:"proposal_id"`
	Disputant  string `json:"disputant"`
	Respondent string `json:"respondent"`
	Reason     string `json:"reason"`
	RespondBy  int64  `json:"respond_by"`
}

// PanelFormed announces the accepted panel to the parties.
type PanelFormed struct {
	DisputeID  string   `json:"dispute_id"`
	Arbiters   []string `json:"arbiters"`
	EvidenceBy int64    `json:"evidence_by"`
}

// EvidenceReceived acknowledges an evidence submission.
type EvidenceReceived struct {
	DisputeID string   `json:"dispute_id"`
	Party     string   `json:"party"`
	Hashes    []string `json:"hashes"`
}

// CaseReady tells arbiters the evidence window closed and voting is open.
type CaseReady struct {
	DisputeID string `json:"dispute_id"`
	VoteBy    int64  `json:"vote_by"`
}

// VerdictOut broadcasts the aggregated verdict.
type VerdictOut struct {
	DisputeID     string             `json:"dispute_id"`
	ProposalID    string             `json:"proposal_id"`
	Verdict       string             `json:"verdict"`
	Votes         map[string]string  `json:"votes"`
	RatingChanges map[string]float64 `json:"rating_changes,omitempty"`
}

// SettlementComplete closes out a resolved dispute.
type SettlementComplete struct {
	DisputeID  string `json:"dispute_id"`
	ProposalID string `json:"proposal_id"`
	Verdict    string `json:"verdict"`
}

// SkillsResult answers SEARCH_SKILLS.
type SkillsResult struct {
	Query   string       `json:"query,omitempty"`
	Matches []SkillMatch `json:"matches"`
}

// SkillMatch is one ranked search hit.
type SkillMatch struct {
	Agent      string  `json:"agent"`
	Capability string  `json:"capability"`
	Rate       float64 `json:"rate,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Rating     float64 `json:"rating"`
}

// VerifyChallengeOut relays a peer-verification nonce to the target.
type VerifyChallengeOut struct {
	VerificationID string `json:"verification_id"`
	Requester      string `json:"requester"`
	Nonce          string `json:"nonce"`
	ExpiresAt      int64  `json:"expires_at"`
}

// VerifyResult reports the outcome to the requester.
type VerifyResult struct {
	VerificationID string `json:"verification_id"`
	Target         string `json:"target"`
	Verified       bool   `json:"verified"`
	Reason         string `json:"reason,omitempty"`
}

// FloorClaimed announces the current reply-floor holder.
type FloorClaimed struct {
	MsgID           string `json:"msg_id"`
	Channel         string `json:"channel"`
	Holder          string `json:"holder"`
	HolderStartedAt int64  `json:"holder_started_at"`
}

// Yield tells a claimant (or displaced holder) it does not hold the floor.
type Yield struct {
	MsgID           string `json:"msg_id"`
	Channel         string `json:"channel"`
	Holder          string `json:"holder"`
	HolderStartedAt int64  `json:"holder_started_at"`
	Reason          string `json:"reason"`
}

// AdminResult reports an admin action outcome.
type AdminResult struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}
