// Package protocol defines the wire protocol for the relay: message kinds,
// frame schemas, error codes, and the JSON codec. Every frame is a JSON
// object carrying a "type" field naming the message kind.
package protocol

// MaxFrameSize is the hard ceiling on a single wire frame. It matches the
// FILE_CHUNK payload ceiling so chunked transfers fit in one frame.
const MaxFrameSize = 2 << 20 // 2 MiB

// MsgType names a message kind on the wire.
type MsgType string

// Session lifecycle.
const (
	TypeIdentify         MsgType = "IDENTIFY"
	TypeChallenge        MsgType = "CHALLENGE"
	TypeVerifyIdentity   MsgType = "VERIFY_IDENTITY"
	TypeCaptchaChallenge MsgType = "CAPTCHA_CHALLENGE"
	TypeCaptchaResponse  MsgType = "CAPTCHA_RESPONSE"
	TypeWelcome          MsgType = "WELCOME"
	TypePing             MsgType = "PING"
	TypePong             MsgType = "PONG"
	TypeError            MsgType = "ERROR"
	TypeSessionDisplaced MsgType = "SESSION_DISPLACED"
	TypeMOTDUpdate       MsgType = "MOTD_UPDATE"
	TypeSetNick          MsgType = "SET_NICK"
	TypeNickChanged      MsgType = "NICK_CHANGED"
	TypeSetStatus        MsgType = "SET_STATUS"
	TypeVerifyFailed     MsgType = "VERIFY_FAILED"
)

// Channels and messaging.
const (
	TypeJoin          MsgType = "JOIN"
	TypeLeave         MsgType = "LEAVE"
	TypeCreateChannel MsgType = "CREATE_CHANNEL"
	TypeInvite        MsgType = "INVITE"
	TypeListChannels  MsgType = "LIST_CHANNELS"
	TypeChannels      MsgType = "CHANNELS"
	TypeListAgents    MsgType = "LIST_AGENTS"
	TypeAgents        MsgType = "AGENTS"
	TypeJoined        MsgType = "JOINED"
	TypeLeft          MsgType = "LEFT"
	TypeAgentJoined   MsgType = "AGENT_JOINED"
	TypeAgentLeft     MsgType = "AGENT_LEFT"
	TypeMsg           MsgType = "MSG"
	TypeTyping        MsgType = "TYPING"
	TypeFileChunk     MsgType = "FILE_CHUNK"
)

// Work agreements.
const (
	TypeProposal MsgType = "PROPOSAL"
	TypeAccept   MsgType = "ACCEPT"
	TypeReject   MsgType = "REJECT"
	TypeComplete MsgType = "COMPLETE"
	TypeDispute  MsgType = "DISPUTE"
)

// Dispute arbitration.
const (
	TypeDisputeIntent      MsgType = "DISPUTE_INTENT"
	TypeDisputeIntentAck   MsgType = "DISPUTE_INTENT_ACK"
	TypeDisputeReveal      MsgType = "DISPUTE_REVEAL"
	TypeDisputeRevealed    MsgType = "DISPUTE_REVEALED"
	TypeDisputeFallback    MsgType = "DISPUTE_FALLBACK"
	TypeEvidence           MsgType = "EVIDENCE"
	TypeEvidenceReceived   MsgType = "EVIDENCE_RECEIVED"
	TypeArbiterAccept      MsgType = "ARBITER_ACCEPT"
	TypeArbiterDecline     MsgType = "ARBITER_DECLINE"
	TypeArbiterVote        MsgType = "ARBITER_VOTE"
	TypeArbiterAssigned    MsgType = "ARBITER_ASSIGNED"
	TypePanelFormed        MsgType = "PANEL_FORMED"
	TypeCaseReady          MsgType = "CASE_READY"
	TypeVerdict            MsgType = "VERDICT"
	TypeSettlementComplete MsgType = "SETTLEMENT_COMPLETE"
)

// Skills, presence, peer verification, floor control, administration.
const (
	TypeRegisterSkills  MsgType = "REGISTER_SKILLS"
	TypeSkillsResult    MsgType = "SKILLS_RESULT"
	TypeSearchSkills    MsgType = "SEARCH_SKILLS"
	TypeVerifyRequest   MsgType = "VERIFY_REQUEST"
	TypeVerifyChallenge MsgType = "VERIFY_CHALLENGE"
	TypeVerifyResponse  MsgType = "VERIFY_RESPONSE"
	TypeVerifyResult    MsgType = "VERIFY_RESULT"
	TypeRespondingTo    MsgType = "RESPONDING_TO"
	TypeFloorClaimed    MsgType = "FLOOR_CLAIMED"
	TypeYield           MsgType = "YIELD"
	TypeAdmin           MsgType = "ADMIN"
	TypeAdminResult     MsgType = "ADMIN_RESULT"
)

// ErrorCode identifies a protocol-level failure reported to the offending
// connection via an ERROR frame.
type ErrorCode string

const (
	ErrAuthRequired           ErrorCode = "AUTH_REQUIRED"
	ErrChannelNotFound        ErrorCode = "CHANNEL_NOT_FOUND"
	ErrNotInvited             ErrorCode = "NOT_INVITED"
	ErrInvalidMsg             ErrorCode = "INVALID_MSG"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
	ErrAgentNotFound          ErrorCode = "AGENT_NOT_FOUND"
	ErrChannelExists          ErrorCode = "CHANNEL_EXISTS"
	ErrInvalidName            ErrorCode = "INVALID_NAME"
	ErrProposalNotFound       ErrorCode = "PROPOSAL_NOT_FOUND"
	ErrProposalExpired        ErrorCode = "PROPOSAL_EXPIRED"
	ErrInvalidProposal        ErrorCode = "INVALID_PROPOSAL"
	ErrSignatureRequired      ErrorCode = "SIGNATURE_REQUIRED"
	ErrNotProposalParty       ErrorCode = "NOT_PROPOSAL_PARTY"
	ErrInsufficientReputation ErrorCode = "INSUFFICIENT_REPUTATION"
	ErrInvalidStake           ErrorCode = "INVALID_STAKE"
	ErrVerificationFailed     ErrorCode = "VERIFICATION_FAILED"
	ErrVerificationExpired    ErrorCode = "VERIFICATION_EXPIRED"
	ErrNoPubkey               ErrorCode = "NO_PUBKEY"
	ErrNotAllowed             ErrorCode = "NOT_ALLOWED"
	ErrBanned                 ErrorCode = "BANNED"
	ErrCaptchaFailed          ErrorCode = "CAPTCHA_FAILED"
	ErrCaptchaExpired         ErrorCode = "CAPTCHA_EXPIRED"
	ErrDisputeNotFound        ErrorCode = "DISPUTE_NOT_FOUND"
	ErrNotArbiter             ErrorCode = "NOT_ARBITER"
)

// Error is a protocol error carrying the wire code. It satisfies the error
// interface so engines can return it directly and the dispatch layer turns
// it into an ERROR frame for the offending connection only.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Errorf builds a protocol error with the given code.
func Errorf(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Verdict values for arbitration votes.
const (
	VerdictDisputant  = "disputant"
	VerdictRespondent = "respondent"
	VerdictMutual     = "mutual"
)

// Proposal status values.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"
	StatusDisputed  = "disputed"
	StatusExpired   = "expired"
)

// ServerAgent is the reserved sender id for synthetic frames (callback
// fires and idle prompts). Clients cannot claim it.
const ServerAgent = "@server"
