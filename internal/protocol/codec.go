package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses a wire frame into its typed message. It enforces the frame
// size ceiling, requires a known "type" tag, and validates the kind's
// required fields. All failures map to INVALID_MSG.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxFrameSize {
		return nil, Errorf(ErrInvalidMsg, fmt.Sprintf("frame exceeds %d bytes", MaxFrameSize))
	}

	var env struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(ErrInvalidMsg, "malformed JSON frame")
	}
	if env.Type == "" {
		return nil, Errorf(ErrInvalidMsg, "missing type field")
	}

	msg := newMessage(env.Type)
	if msg == nil {
		return nil, Errorf(ErrInvalidMsg, "unknown message type "+string(env.Type))
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, Errorf(ErrInvalidMsg, "invalid "+string(env.Type)+" frame")
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode marshals a server frame, injecting the type tag.
func Encode(t MsgType, frame any) ([]byte, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	// Splice the type tag into the object. Frames are always JSON objects.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	m["type"] = t
	return json.Marshal(m)
}

func newMessage(t MsgType) Message {
	switch t {
	case TypeIdentify:
		return &Identify{}
	case TypeVerifyIdentity:
		return &VerifyIdentity{}
	case TypeCaptchaResponse:
		return &CaptchaResponse{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeSetNick:
		return &SetNick{}
	case TypeSetStatus:
		return &SetStatus{}
	case TypeJoin:
		return &Join{}
	case TypeLeave:
		return &Leave{}
	case TypeCreateChannel:
		return &CreateChannel{}
	case TypeInvite:
		return &Invite{}
	case TypeListChannels:
		return &ListChannels{}
	case TypeListAgents:
		return &ListAgents{}
	case TypeMsg:
		return &Msg{}
	case TypeTyping:
		return &Typing{}
	case TypeFileChunk:
		return &FileChunk{}
	case TypeRespondingTo:
		return &RespondingTo{}
	case TypeProposal:
		return &Proposal{}
	case TypeAccept:
		return &Accept{}
	case TypeReject:
		return &Reject{}
	case TypeComplete:
		return &Complete{}
	case TypeDispute:
		return &Dispute{}
	case TypeDisputeIntent:
		return &DisputeIntent{}
	case TypeDisputeReveal:
		return &DisputeReveal{}
	case TypeEvidence:
		return &Evidence{}
	case TypeArbiterAccept:
		return &ArbiterAccept{}
	case TypeArbiterDecline:
		return &ArbiterDecline{}
	case TypeArbiterVote:
		return &ArbiterVote{}
	case TypeRegisterSkills:
		return &RegisterSkills{}
	case TypeSearchSkills:
		return &SearchSkills{}
	case TypeVerifyRequest:
		return &VerifyRequest{}
	case TypeVerifyResponse:
		return &VerifyResponse{}
	case TypeAdmin:
		return &Admin{}
	default:
		return nil
	}
}

func validate(msg Message) error {
	missing := func(field string) error {
		return Errorf(ErrInvalidMsg, string(msg.Kind())+" missing "+field)
	}
	switch m := msg.(type) {
	case *Identify:
		if m.Name == "" {
			return missing("name")
		}
	case *VerifyIdentity:
		if m.ChallengeID == "" {
			return missing("challenge_id")
		}
		if m.Signature == "" {
			return missing("signature")
		}
	case *CaptchaResponse:
		if m.CaptchaID == "" {
			return missing("captcha_id")
		}
	case *SetNick:
		if m.Nick == "" {
			return missing("nick")
		}
	case *Join:
		if m.Channel == "" {
			return missing("channel")
		}
	case *Leave:
		if m.Channel == "" {
			return missing("channel")
		}
	case *CreateChannel:
		if m.Channel == "" {
			return missing("channel")
		}
	case *Invite:
		if m.Channel == "" {
			return missing("channel")
		}
		if m.Agent == "" {
			return missing("agent")
		}
	case *Msg:
		if m.To == "" {
			return missing("to")
		}
		if m.Content == "" {
			return missing("content")
		}
	case *Typing:
		if m.Channel == "" {
			return missing("channel")
		}
	case *FileChunk:
		if m.To == "" {
			return missing("to")
		}
		if m.Data == "" {
			return missing("data")
		}
	case *RespondingTo:
		if m.MsgID == "" {
			return missing("msg_id")
		}
		if m.Channel == "" {
			return missing("channel")
		}
		if m.StartedAt <= 0 {
			return missing("started_at")
		}
	case *Proposal:
		if m.To == "" {
			return missing("to")
		}
		if m.Task == "" {
			return missing("task")
		}
	case *Accept:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
	case *Reject:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
	case *Complete:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
	case *Dispute:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
		if m.Reason == "" {
			return missing("reason")
		}
	case *DisputeIntent:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
		if m.Commitment == "" {
			return missing("commitment")
		}
	case *DisputeReveal:
		if m.ProposalID == "" {
			return missing("proposal_id")
		}
		if m.Nonce == "" {
			return missing("nonce")
		}
	case *Evidence:
		if m.DisputeID == "" {
			return missing("dispute_id")
		}
		if len(m.Items) == 0 && m.Statement == "" {
			return Errorf(ErrInvalidMsg, "EVIDENCE requires items or statement")
		}
	case *ArbiterAccept:
		if m.DisputeID == "" {
			return missing("dispute_id")
		}
	case *ArbiterDecline:
		if m.DisputeID == "" {
			return missing("dispute_id")
		}
	case *ArbiterVote:
		if m.DisputeID == "" {
			return missing("dispute_id")
		}
		switch m.Verdict {
		case VerdictDisputant, VerdictRespondent, VerdictMutual:
		default:
			return Errorf(ErrInvalidMsg, "ARBITER_VOTE invalid verdict")
		}
	case *RegisterSkills:
		if len(m.Skills) == 0 {
			return missing("skills")
		}
		for _, s := range m.Skills {
			if s.Capability == "" {
				return Errorf(ErrInvalidMsg, "REGISTER_SKILLS entry missing capability")
			}
		}
	case *SearchSkills:
		if m.Query == "" {
			return missing("query")
		}
	case *VerifyRequest:
		if m.Target == "" {
			return missing("target")
		}
	case *VerifyResponse:
		if m.VerificationID == "" {
			return missing("verification_id")
		}
		if m.Signature == "" {
			return missing("signature")
		}
	case *Admin:
		if m.Action == "" {
			return missing("action")
		}
	}
	return nil
}
