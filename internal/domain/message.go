package domain

import (
	"strings"
	"time"
)

type MessageType string

const (
	MsgTaskAssignment MessageType = "task_assignment"
	MsgReviewFeedback MessageType = "review_feedback"
	MsgEscalation     MessageType = "escalation"
	MsgDecisionRecord MessageType = "decision_record"
	MsgStatusUpdate   MessageType = "status_update"
	MsgConsensus      MessageType = "consensus"
	// MsgTimeout is synthesized by the bus when a required response is overdue.
	MsgTimeout MessageType = "timeout"
)

// SystemPrefix marks addresses owned by core services rather than agents.
const SystemPrefix = "system:"

const (
	OrchestratorAddress = SystemPrefix + "orchestrator"
	BusAddress          = SystemPrefix + "bus"
)

func IsSystemAddress(addr string) bool {
	return strings.HasPrefix(addr, SystemPrefix)
}

func ConsensusAddress(sessionID string) string {
	return SystemPrefix + "consensus/" + sessionID
}

type MessageContext struct {
	Project         string     `json:"project,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	RelatedMessages []string   `json:"related_messages,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	EscalationID    string     `json:"escalation_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
}

type MessageContent struct {
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	Requirements map[string]string `json:"requirements,omitempty"`
}

// Message is the inter-agent envelope. It is immutable once sent.
type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               []string       `json:"to"`
	Type             MessageType    `json:"type"`
	Priority         Priority       `json:"priority"`
	Context          MessageContext `json:"context"`
	Content          MessageContent `json:"content"`
	RequiredResponse bool           `json:"required_response"`
	ResponseBy       *time.Time     `json:"response_by"`
	InReplyTo        string         `json:"in_reply_to,omitempty"`
	SentAt           time.Time      `json:"sent_at"`
}

// Requirement returns a named requirement value from the content.
func (m Message) Requirement(key string) string {
	if m.Content.Requirements == nil {
		return ""
	}
	return m.Content.Requirements[key]
}

// Receipt acknowledges acceptance of a message by the bus.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	Recipients []string  `json:"recipients"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Requirement keys carried by synthetic timeout messages.
const (
	ReqMessageID = "message_id"
	ReqDeadline  = "deadline"
	ReqMissing   = "missing"
	ReqStatus    = "status"
	ReqVersion   = "version"
)

// TimeoutFromMessage extracts the timeout details from a synthetic timeout message.
func TimeoutFromMessage(m Message) (TimeoutError, bool) {
	if m.Type != MsgTimeout {
		return TimeoutError{}, false
	}
	te := TimeoutError{MessageID: m.Requirement(ReqMessageID)}
	if d, err := ParseTime(m.Requirement(ReqDeadline)); err == nil {
		te.Deadline = d
	}
	if missing := m.Requirement(ReqMissing); missing != "" {
		te.Missing = strings.Split(missing, ",")
	}
	return te, true
}
