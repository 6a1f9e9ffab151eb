package acl

import (
	"encoding/json"
	"time"
)

// SystemAgent is the sender id used for messages synthesized by the core
// itself (routing failures, timeouts, not_understood replies).
const SystemAgent = "_system"

// Message is the fundamental unit of communication between agents.
// Receiver and Capability are mutually exclusive: a message names either a
// concrete agent or a capability plus an optional routing strategy.
type Message struct {
	ID             string          `json:"id,omitempty"`
	Performative   Performative    `json:"performative"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver,omitempty"`
	Capability     string          `json:"capability,omitempty"`
	Strategy       RoutingStrategy `json:"routing_strategy,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ReplyWith      string          `json:"reply_with,omitempty"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Ontology       string          `json:"ontology,omitempty"`
	Language       string          `json:"language,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	ReplyBy        *time.Time      `json:"reply_by,omitempty"`
	// Unsolicited marks an inform that is not a reply to anything.
	Unsolicited bool `json:"unsolicited,omitempty"`
}

// correlation returns the id a reply to m should reference: the reply_with
// handle when the sender set one, otherwise the message id.
func (m Message) correlation() string {
	if m.ReplyWith != "" {
		return m.ReplyWith
	}
	return m.ID
}

// NotUnderstoodReply builds the synthesized reply for a message whose
// performative was not recognized.
func NotUnderstoodReply(of Message, reason string) Message {
	return Message{
		ID:             NewID(),
		Performative:   NotUnderstood,
		Sender:         SystemAgent,
		Receiver:       of.Sender,
		ConversationID: of.ConversationID,
		InReplyTo:      of.correlation(),
		Content:        Reason(reason),
	}
}

// FailureReply builds a failure message addressed back at of's sender.
func FailureReply(of Message, reason string) Message {
	return Message{
		ID:             NewID(),
		Performative:   Failure,
		Sender:         SystemAgent,
		Receiver:       of.Sender,
		ConversationID: of.ConversationID,
		InReplyTo:      of.correlation(),
		Content:        Reason(reason),
	}
}

// Reason encodes a machine-readable reason payload.
func Reason(detail string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"reason": detail})
	return b
}

// ReasonOf extracts the reason field from a message content payload.
// Returns "" when the payload carries none.
func ReasonOf(content json.RawMessage) string {
	var v struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(content, &v); err != nil {
		return ""
	}
	return v.Reason
}
