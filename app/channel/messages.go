package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// message discriminator values used on the wire, both directions
const (
	KindJobs     = "jobs"
	KindDelete   = "delete"
	KindError    = "error"
	KindResubmit = "resubmit"
	KindWaiting  = "waiting"
	KindFeedback = "feedback"
)

// Request is the outbound envelope. Payload is a string by protocol, either a
// bare value (job id) or a JSON-encoded sub-object depending on the message.
type Request struct {
	UserID  string `json:"userid"`
	Message string `json:"message"`
	Payload string `json:"payload,omitempty"`
}

// JobSummary is the compact job representation the server pushes in a "jobs"
// message. Timestamps stay raw strings at this layer, the engine parses them.
type JobSummary struct {
	ID          string `json:"id"`
	UserID      string `json:"userid"`
	Status      string `json:"status"`
	Created     string `json:"created"`
	Updated     string `json:"updated"`
	RequestType string `json:"request_type"`
}

// Inbound is the tagged variant over everything the server can push. Exactly
// one concrete type per message kind plus Unknown for anything unrecognized,
// so dispatch is an exhaustive type switch instead of a stringly default.
type Inbound interface {
	inboundMessage()
}

// JobsMsg carries push summaries for changed jobs
type JobsMsg struct {
	Jobs []JobSummary
}

// DeleteMsg confirms a server-side job deletion
type DeleteMsg struct {
	ID string
}

// WaitingMsg reports how many jobs are queued ahead of the user
type WaitingMsg struct {
	Count int
}

// ResubmitMsg acknowledges a resubmit, the raw payload is the refreshed job
type ResubmitMsg struct {
	Raw json.RawMessage
}

// FeedbackMsg acknowledges feedback delivery, informational only
type FeedbackMsg struct {
	Raw json.RawMessage
}

// ErrorMsg is a server-side error report
type ErrorMsg struct {
	Text string
}

// UnknownMsg is anything with an unrecognized discriminator
type UnknownMsg struct {
	Kind string
	Raw  json.RawMessage
}

func (JobsMsg) inboundMessage()     {}
func (DeleteMsg) inboundMessage()   {}
func (WaitingMsg) inboundMessage()  {}
func (ResubmitMsg) inboundMessage() {}
func (FeedbackMsg) inboundMessage() {}
func (ErrorMsg) inboundMessage()    {}
func (UnknownMsg) inboundMessage()  {}

// DecodeInbound parses a raw frame into its Inbound variant. Unrecognized
// message kinds decode to UnknownMsg without error, malformed payloads for
// known kinds are errors and abort that frame only.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Message string          `json:"message"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch env.Message {
	case KindJobs:
		var jobs []JobSummary
		if err := json.Unmarshal(env.Payload, &jobs); err != nil {
			return nil, fmt.Errorf("failed to decode jobs payload: %w", err)
		}
		return JobsMsg{Jobs: jobs}, nil

	case KindDelete:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode delete payload: %w", err)
		}
		return DeleteMsg{ID: p.ID}, nil

	case KindWaiting:
		n, err := decodeCount(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode waiting payload: %w", err)
		}
		return WaitingMsg{Count: n}, nil

	case KindResubmit:
		return ResubmitMsg{Raw: env.Payload}, nil

	case KindFeedback:
		return FeedbackMsg{Raw: env.Payload}, nil

	case KindError:
		var text string
		if err := json.Unmarshal(env.Payload, &text); err != nil {
			text = string(env.Payload) // server may send a bare object here
		}
		return ErrorMsg{Text: text}, nil

	default:
		return UnknownMsg{Kind: env.Message, Raw: env.Payload}, nil
	}
}

// decodeCount accepts the waiting counter as a JSON number or as a
// JSON-encoded string holding a number, the server emits both forms.
func decodeCount(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("neither number nor string: %q", string(raw))
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("string payload is not a number: %w", err)
	}
	return n, nil
}
