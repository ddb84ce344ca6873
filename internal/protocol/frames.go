package protocol

// Client→server frames. Each frame kind has its own schema; Decode in
// codec.go maps the wire "type" tag to the matching struct and validates
// required fields before the frame reaches any engine.

// Message is a decoded client frame.
type Message interface {
	Kind() MsgType
}

// Identify begins a session. PubKey is an Ed25519 SPKI PEM; when absent the
// admission gate decides between rejection, captcha, and an ephemeral id.
type Identify struct {
	Name   string `json:"name"`
	PubKey string `json:"pubkey,omitempty"`
}

func (*Identify) Kind() MsgType { return TypeIdentify }

// VerifyIdentity answers a server CHALLENGE. Signature is base64 Ed25519
// over the challenge nonce.
type VerifyIdentity struct {
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (*VerifyIdentity) Kind() MsgType { return TypeVerifyIdentity }

// CaptchaResponse answers a CAPTCHA_CHALLENGE.
type CaptchaResponse struct {
	CaptchaID string `json:"captcha_id"`
	Answer    string `json:"answer"`
}

func (*CaptchaResponse) Kind() MsgType { return TypeCaptchaResponse }

// Ping is an application-level liveness probe; the server echoes PONG.
type Ping struct{}

func (*Ping) Kind() MsgType { return TypePing }

// Pong answers a server PING frame.
type Pong struct{}

func (*Pong) Kind() MsgType { return TypePong }

// SetNick assigns a display nick for the session.
type SetNick struct {
	Nick string `json:"nick"`
}

func (*SetNick) Kind() MsgType { return TypeSetNick }

// SetStatus updates presence status text.
type SetStatus struct {
	Status string `json:"status"`
}

func (*SetStatus) Kind() MsgType { return TypeSetStatus }

// Join enters a channel, creating it when well-formed and absent.
type Join struct {
	Channel string `json:"channel"`
}

func (*Join) Kind() MsgType { return TypeJoin }

// Leave exits a channel.
type Leave struct {
	Channel string `json:"channel"`
}

func (*Leave) Kind() MsgType { return TypeLeave }

// CreateChannel creates a channel with explicit flags.
type CreateChannel struct {
	Channel      string `json:"channel"`
	InviteOnly   bool   `json:"invite_only,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
}

func (*CreateChannel) Kind() MsgType { return TypeCreateChannel }

// Invite adds an agent to an invite-only channel's invited set.
type Invite struct {
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
}

func (*Invite) Kind() MsgType { return TypeInvite }

// ListChannels requests the public channel listing.
type ListChannels struct{}

func (*ListChannels) Kind() MsgType { return TypeListChannels }

// ListAgents requests agents connected, optionally scoped to a channel.
type ListAgents struct {
	Channel string `json:"channel,omitempty"`
}

func (*ListAgents) Kind() MsgType { return TypeListAgents }

// Msg is a chat message. To is a channel ("#…"), a direct target ("@id" or
// "@nick"), or the reserved "@server".
type Msg struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (*Msg) Kind() MsgType { return TypeMsg }

// Typing signals a typing indicator to other channel members.
type Typing struct {
	Channel string `json:"channel"`
}

func (*Typing) Kind() MsgType { return TypeTyping }

// FileChunk carries one chunk of a file transfer. Data is base64.
type FileChunk struct {
	To    string `json:"to"`
	Name  string `json:"name"`
	Seq   int    `json:"seq"`
	Data  string `json:"data"`
	Final bool   `json:"final,omitempty"`
}

func (*FileChunk) Kind() MsgType { return TypeFileChunk }

// RespondingTo claims the reply floor for an originating message.
type RespondingTo struct {
	MsgID     string `json:"msg_id"`
	Channel   string `json:"channel"`
	StartedAt int64  `json:"started_at"`
}

func (*RespondingTo) Kind() MsgType { return TypeRespondingTo }

// Proposal opens a work agreement. Signature covers the canonical
// pipe-delimited signing string for this transition.
type Proposal struct {
	To          string  `json:"to"`
	Task        string  `json:"task"`
	Amount      string  `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PaymentCode string  `json:"payment_code,omitempty"`
	Terms       string  `json:"terms,omitempty"`
	Expires     int64   `json:"expires,omitempty"`
	EloStake    float64 `json:"elo_stake,omitempty"`
	Signature   string  `json:"signature"`
}

func (*Proposal) Kind() MsgType { return TypeProposal }

// Accept transitions a pending proposal to accepted.
type Accept struct {
	ProposalID  string  `json:"proposal_id"`
	PaymentCode string  `json:"payment_code,omitempty"`
	EloStake    float64 `json:"elo_stake,omitempty"`
	Signature   string  `json:"signature"`
}

func (*Accept) Kind() MsgType { return TypeAccept }

// Reject terminates a pending proposal.
type Reject struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason,omitempty"`
	Signature  string `json:"signature"`
}

func (*Reject) Kind() MsgType { return TypeReject }

// Complete marks an accepted proposal completed, with proof.
type Complete struct {
	ProposalID string `json:"proposal_id"`
	Proof      string `json:"proof,omitempty"`
	Signature  string `json:"signature"`
}

func (*Complete) Kind() MsgType { return TypeComplete }

// Dispute moves an accepted or completed proposal into dispute.
type Dispute struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
	Signature  string `json:"signature"`
}

func (*Dispute) Kind() MsgType { return TypeDispute }

// DisputeIntent opens the commit-reveal flow. Commitment is the hex
// SHA-256 of a client nonce revealed later.
type DisputeIntent struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
	Commitment string `json:"commitment"`
	Signature  string `json:"signature"`
}

func (*DisputeIntent) Kind() MsgType { return TypeDisputeIntent }

// DisputeReveal reveals the committed nonce.
type DisputeReveal struct {
	ProposalID string `json:"proposal_id"`
	Nonce      string `json:"nonce"`
}

func (*DisputeReveal) Kind() MsgType { return TypeDisputeReveal }

// Evidence submits a party's evidence during the evidence window.
type Evidence struct {
	DisputeID string   `json:"dispute_id"`
	Items     []string `json:"items"`
	Statement string   `json:"statement,omitempty"`
	Signature string   `json:"signature"`
}

func (*Evidence) Kind() MsgType { return TypeEvidence }

// ArbiterAccept confirms a panel invitation.
type ArbiterAccept struct {
	DisputeID string `json:"dispute_id"`
	Signature string `json:"signature"`
}

func (*ArbiterAccept) Kind() MsgType { return TypeArbiterAccept }

// ArbiterDecline refuses a panel invitation, triggering replacement.
type ArbiterDecline struct {
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason,omitempty"`
}

func (*ArbiterDecline) Kind() MsgType { return TypeArbiterDecline }

// ArbiterVote casts a verdict during deliberation.
type ArbiterVote struct {
	DisputeID string `json:"dispute_id"`
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning,omitempty"`
	Signature string `json:"signature"`
}

func (*ArbiterVote) Kind() MsgType { return TypeArbiterVote }

// SkillEntry is one declared capability.
type SkillEntry struct {
	Capability  string  `json:"capability"`
	Description string  `json:"description,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// RegisterSkills merges a signed self-report into the skills store.
type RegisterSkills struct {
	Skills    []SkillEntry `json:"skills"`
	Signature string       `json:"signature"`
}

func (*RegisterSkills) Kind() MsgType { return TypeRegisterSkills }

// SearchSkills queries the skills store.
type SearchSkills struct {
	Query string `json:"query"`
}

func (*SearchSkills) Kind() MsgType { return TypeSearchSkills }

// VerifyRequest starts an inter-agent verification of the target's key.
type VerifyRequest struct {
	Target string `json:"target"`
}

func (*VerifyRequest) Kind() MsgType { return TypeVerifyRequest }

// VerifyResponse is the target's signature over the verification nonce.
type VerifyResponse struct {
	VerificationID string `json:"verification_id"`
	Signature      string `json:"signature"`
}

func (*VerifyResponse) Kind() MsgType { return TypeVerifyResponse }

// Admin performs an operator action. Key must match the configured admin
// key; unauthorized calls are indistinguishable from an unknown type.
type Admin struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	PubKey string `json:"pubkey,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Note   string `json:"note,omitempty"`
	MOTD   string `json:"motd,omitempty"`
}

func (*Admin) Kind() MsgType { return TypeAdmin }
