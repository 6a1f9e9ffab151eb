package engine

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/pkg/acl"
)

// BidComparator orders two proposals; the smaller one wins. It must be
// deterministic for a given pair, so repeated runs over the same bids pick
// the same winner.
type BidComparator func(a, b conversation.Proposal) int

// DefaultComparator prefers the lowest cost, then the shortest time, then
// the lexically smallest bidder id as a final tie-break. Bids missing a
// field sort after bids that carry it.
func DefaultComparator(a, b conversation.Proposal) int {
	ac, at := bidFields(a.Content)
	bc, bt := bidFields(b.Content)
	if c := cmp.Compare(ac, bc); c != 0 {
		return c
	}
	if c := cmp.Compare(at, bt); c != 0 {
		return c
	}
	return strings.Compare(a.Bidder, b.Bidder)
}

func bidFields(content json.RawMessage) (cost, duration float64) {
	var v struct {
		Cost *float64 `json:"cost"`
		Time *float64 `json:"time"`
	}
	cost, duration = math.Inf(1), math.Inf(1)
	if err := json.Unmarshal(content, &v); err != nil {
		return
	}
	if v.Cost != nil {
		cost = *v.Cost
	}
	if v.Time != nil {
		duration = *v.Time
	}
	return
}

// ContractNet drives the contract-net protocol:
//
//	Started → ProposalPhase → ExecutionPhase → {Completed | Failed}
//
// The initiator's CFP opens the bidding window; the award fires at the
// reply_by deadline or as soon as every expected participant has responded.
// Bids arriving after the deadline are still admitted as long as the award
// event has not been processed yet.
type ContractNet struct {
	// Compare selects the winner; DefaultComparator when nil.
	Compare BidComparator
	// BiddingWindow bounds the proposal phase when the CFP has no reply_by.
	BiddingWindow time.Duration
	// ExecutionTimeout bounds the winner's execution phase.
	ExecutionTimeout time.Duration
}

func (ContractNet) Protocol() string { return acl.ProtocolContractNet }

func (e ContractNet) Apply(c *conversation.Conversation, ev conversation.Event) (conversation.Result, error) {
	switch ev.Kind {
	case conversation.EventDeadline:
		if c.State != conversation.StateProposalPhase {
			return conversation.Result{State: c.State}, nil
		}
		return e.award(c, ev.At), nil
	case conversation.EventExecutionTimeout:
		if c.State != conversation.StateExecutionPhase {
			return conversation.Result{State: c.State}, nil
		}
		return conversation.Result{
			State:    conversation.StateFailed,
			Reason:   "execution_timeout",
			Outbound: []acl.Message{systemFailure(c, "execution_timeout")},
		}, nil
	}

	m := ev.Msg
	switch {
	case c.State == conversation.StateStarted && m.Performative == acl.CFP:
		c.Initiator = m.Sender
		c.Expected = make(map[string]bool, len(ev.Recipients))
		for _, rid := range ev.Recipients {
			c.Expected[rid] = true
		}
		c.Responded = make(map[string]bool)
		if m.ReplyBy != nil {
			c.Deadline = *m.ReplyBy
		} else {
			c.Deadline = ev.At.Add(e.biddingWindow())
		}
		return conversation.Result{
			State:    conversation.StateProposalPhase,
			Schedule: []conversation.TimerRequest{{Phase: conversation.PhaseReply, At: c.Deadline}},
		}, nil

	case c.State == conversation.StateProposalPhase && m.Performative == acl.Propose:
		if len(c.Expected) > 0 && !c.Expected[m.Sender] {
			return conversation.Result{}, violation(c, m, "propose from an agent the cfp was not sent to")
		}
		if c.Responded[m.Sender] {
			return conversation.Result{}, violation(c, m, "duplicate response in bidding window")
		}
		c.Responded[m.Sender] = true
		c.Proposals = append(c.Proposals, conversation.Proposal{
			ConversationID: c.ID,
			Bidder:         m.Sender,
			Content:        m.Content,
			ReplyWith:      m.ReplyWith,
			SubmittedAt:    ev.At,
		})
		if e.allResponded(c) {
			return e.award(c, ev.At), nil
		}
		return conversation.Result{State: conversation.StateProposalPhase}, nil

	case c.State == conversation.StateProposalPhase && m.Performative == acl.Refuse:
		if len(c.Expected) > 0 && !c.Expected[m.Sender] {
			return conversation.Result{}, violation(c, m, "refuse from an agent the cfp was not sent to")
		}
		if c.Responded[m.Sender] {
			return conversation.Result{}, violation(c, m, "duplicate response in bidding window")
		}
		if acl.ReasonOf(m.Content) == "" {
			return conversation.Result{}, violation(c, m, "refuse payload lacks a reason field")
		}
		c.Responded[m.Sender] = true
		if e.allResponded(c) {
			return e.award(c, ev.At), nil
		}
		return conversation.Result{State: conversation.StateProposalPhase}, nil

	case c.State == conversation.StateExecutionPhase && m.Performative == acl.Inform:
		if m.Sender != c.Winner {
			return conversation.Result{}, violation(c, m, "inform from an agent that was not awarded the task")
		}
		return conversation.Result{
			State:  conversation.StateCompleted,
			Cancel: []string{conversation.PhaseExecution},
		}, nil

	case c.State == conversation.StateExecutionPhase && m.Performative == acl.Failure:
		if m.Sender != c.Winner {
			return conversation.Result{}, violation(c, m, "failure from an agent that was not awarded the task")
		}
		reason := acl.ReasonOf(m.Content)
		if reason == "" {
			return conversation.Result{}, violation(c, m, "failure payload lacks a reason field")
		}
		return conversation.Result{
			State:  conversation.StateFailed,
			Reason: reason,
			Cancel: []string{conversation.PhaseExecution},
		}, nil
	}

	return conversation.Result{}, violation(c, m, "not legal in this state")
}

// Expire notifies pending bidders when the conversation dies mid-window;
// otherwise expiry stays passive.
func (e ContractNet) Expire(c *conversation.Conversation) conversation.Result {
	res := conversation.Result{State: conversation.StateExpired}
	if c.State == conversation.StateProposalPhase {
		for _, p := range c.Proposals {
			res.Outbound = append(res.Outbound, e.reject(c, p, "conversation_expired"))
		}
	}
	return res
}

// award closes the bidding window: it picks the winner, notifies every
// bidder and moves the conversation into the execution phase.
func (e ContractNet) award(c *conversation.Conversation, now time.Time) conversation.Result {
	defer func() { c.Proposals = nil }() // bids are ephemeral past the award

	if len(c.Proposals) == 0 {
		return conversation.Result{
			State:    conversation.StateFailed,
			Reason:   "no_proposals",
			Outbound: []acl.Message{systemFailure(c, "no_proposals")},
			Cancel:   []string{conversation.PhaseReply},
		}
	}

	winner := slices.MinFunc(c.Proposals, e.compare())
	c.Winner = winner.Bidder

	outbound := []acl.Message{{
		ID:             acl.NewID(),
		Performative:   acl.AcceptProposal,
		Sender:         c.Initiator,
		Receiver:       winner.Bidder,
		ConversationID: c.ID,
		InReplyTo:      winner.ReplyWith,
		Content:        winner.Content,
	}}
	for _, p := range c.Proposals {
		if p.Bidder == winner.Bidder {
			continue
		}
		outbound = append(outbound, e.reject(c, p, "lost_bid"))
	}

	return conversation.Result{
		State:    conversation.StateExecutionPhase,
		Outbound: outbound,
		Cancel:   []string{conversation.PhaseReply},
		Schedule: []conversation.TimerRequest{{Phase: conversation.PhaseExecution, At: now.Add(e.executionTimeout())}},
	}
}

func (e ContractNet) reject(c *conversation.Conversation, p conversation.Proposal, reason string) acl.Message {
	return acl.Message{
		ID:             acl.NewID(),
		Performative:   acl.RejectProposal,
		Sender:         c.Initiator,
		Receiver:       p.Bidder,
		ConversationID: c.ID,
		InReplyTo:      p.ReplyWith,
		Content:        acl.Reason(reason),
	}
}

func (e ContractNet) allResponded(c *conversation.Conversation) bool {
	if len(c.Expected) == 0 {
		return false
	}
	for rid := range c.Expected {
		if !c.Responded[rid] {
			return false
		}
	}
	return true
}

func (e ContractNet) compare() BidComparator {
	if e.Compare != nil {
		return e.Compare
	}
	return DefaultComparator
}

func (e ContractNet) biddingWindow() time.Duration {
	if e.BiddingWindow > 0 {
		return e.BiddingWindow
	}
	return 30 * time.Second
}

func (e ContractNet) executionTimeout() time.Duration {
	if e.ExecutionTimeout > 0 {
		return e.ExecutionTimeout
	}
	return 2 * time.Minute
}
