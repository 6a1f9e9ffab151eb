package acl

import "fmt"

// ValidationError reports a message that must not enter routing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("acl: invalid message: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the semantic rules a message must satisfy before routing.
// It is pure: no side effects beyond the returned error.
func Validate(m Message) error {
	if m.Sender == "" {
		return invalid("sender", "required")
	}
	if m.Performative == "" {
		return invalid("performative", "required")
	}
	if !m.Performative.Known() {
		return invalid("performative", fmt.Sprintf("unknown performative %q", string(m.Performative)))
	}
	if m.Receiver != "" && m.Capability != "" {
		return invalid("receiver", "both receiver and capability set, ambiguous target")
	}
	if m.Receiver == "" && m.Capability == "" {
		return invalid("receiver", "either receiver or capability is required")
	}
	if m.Strategy != "" {
		if m.Capability == "" {
			return invalid("routing_strategy", "routing_strategy requires a capability target")
		}
		if !m.Strategy.Known() {
			return invalid("routing_strategy", fmt.Sprintf("unknown strategy %q", string(m.Strategy)))
		}
	}
	switch m.Protocol {
	case "", ProtocolRequest, ProtocolContractNet:
	default:
		return invalid("protocol", fmt.Sprintf("unknown protocol %q", m.Protocol))
	}
	if (m.Performative == Request || m.Performative == CFP) && m.ReplyWith == "" {
		return invalid("reply_with", fmt.Sprintf("%s requires reply_with", string(m.Performative)))
	}
	if m.Performative == Inform && m.InReplyTo == "" && !m.Unsolicited {
		return invalid("in_reply_to", "inform must reply to something or be marked unsolicited")
	}
	return nil
}
