// Package engine implements the protocol state machines layered on the
// conversation manager. Each engine's Apply is a pure transition function;
// sending replies and arming timers happen in the router shell that
// executes the returned Result.
package engine

import (
	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/pkg/acl"
)

// Request drives the fipa-request protocol:
//
//	Started → RequestSent → {Agreed | Refused} → {Completed | Failed}
type Request struct{}

func (Request) Protocol() string { return acl.ProtocolRequest }

func (e Request) Apply(c *conversation.Conversation, ev conversation.Event) (conversation.Result, error) {
	switch ev.Kind {
	case conversation.EventDeadline:
		if c.State != conversation.StateRequestSent {
			return conversation.Result{State: c.State}, nil
		}
		return conversation.Result{
			State:    conversation.StateFailed,
			Reason:   "reply_timeout",
			Outbound: []acl.Message{systemFailure(c, "reply_timeout")},
		}, nil
	case conversation.EventExecutionTimeout:
		// not part of this protocol
		return conversation.Result{State: c.State}, nil
	}

	m := ev.Msg
	switch {
	case c.State == conversation.StateStarted && m.Performative == acl.Request:
		c.Initiator = m.Sender
		res := conversation.Result{State: conversation.StateRequestSent}
		if m.ReplyBy != nil {
			res.Schedule = []conversation.TimerRequest{{Phase: conversation.PhaseReply, At: *m.ReplyBy}}
		}
		return res, nil

	case c.State == conversation.StateRequestSent && m.Performative == acl.Agree:
		return conversation.Result{
			State:  conversation.StateAgreed,
			Cancel: []string{conversation.PhaseReply},
		}, nil

	case c.State == conversation.StateRequestSent && m.Performative == acl.Refuse:
		reason := acl.ReasonOf(m.Content)
		if reason == "" {
			return conversation.Result{}, violation(c, m, "refuse payload lacks a reason field")
		}
		return conversation.Result{
			State:  conversation.StateRefused,
			Cancel: []string{conversation.PhaseReply},
			Reason: reason,
		}, nil

	case c.State == conversation.StateAgreed && m.Performative == acl.Inform:
		return conversation.Result{State: conversation.StateCompleted}, nil

	case c.State == conversation.StateAgreed && m.Performative == acl.Failure:
		reason := acl.ReasonOf(m.Content)
		if reason == "" {
			return conversation.Result{}, violation(c, m, "failure payload lacks a reason field")
		}
		return conversation.Result{State: conversation.StateFailed, Reason: reason}, nil
	}

	return conversation.Result{}, violation(c, m, "not legal in this state")
}

func (Request) Expire(c *conversation.Conversation) conversation.Result {
	// passive timeout: free the conversation, emit nothing
	return conversation.Result{State: conversation.StateExpired}
}

func violation(c *conversation.Conversation, m acl.Message, reason string) *conversation.ViolationError {
	return &conversation.ViolationError{
		ConversationID: c.ID,
		State:          c.State,
		Performative:   m.Performative,
		Reason:         reason,
	}
}

func systemFailure(c *conversation.Conversation, reason string) acl.Message {
	return acl.Message{
		ID:             acl.NewID(),
		Performative:   acl.Failure,
		Sender:         acl.SystemAgent,
		Receiver:       c.Initiator,
		ConversationID: c.ID,
		Content:        acl.Reason(reason),
	}
}
