// Package conversation tracks per-conversation protocol state. The Manager
// owns the live conversation table and serializes event application per
// conversation; the legality of each transition is delegated to the Engine
// owning the conversation's protocol.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/weft-io/weft/pkg/acl"
)

// State is a conversation's position in its protocol state machine.
type State string

const (
	StateStarted        State = "started"
	StateRequestSent    State = "request_sent"
	StateAgreed         State = "agreed"
	StateRefused        State = "refused"
	StateProposalPhase  State = "proposal_phase"
	StateExecutionPhase State = "execution_phase"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateRefused, StateCompleted, StateFailed, StateExpired:
		return true
	}
	return false
}

// Timer phases. Timers are keyed (conversation_id, phase) so that leaving a
// phase can cancel exactly the timers scheduled for it.
const (
	PhaseReply     = "reply"
	PhaseExecution = "execution"
)

// Proposal is a contract-net bid, held only for the bidding window.
type Proposal struct {
	ConversationID string          `json:"conversation_id"`
	Bidder         string          `json:"bidder"`
	Content        json.RawMessage `json:"content"`
	ReplyWith      string          `json:"reply_with,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// EventKind distinguishes real messages from scheduler-injected events.
// Both kinds travel the same serialized per-conversation path.
type EventKind int

const (
	// EventMessage is a routed inbound message.
	EventMessage EventKind = iota
	// EventDeadline fires when a reply_by deadline elapses.
	EventDeadline
	// EventExecutionTimeout fires when a contract-net winner does not
	// report back within the execution window.
	EventExecutionTimeout
)

// Event is one unit of work applied to a conversation.
type Event struct {
	Kind EventKind
	Msg  acl.Message // set for EventMessage
	// Recipients is the resolved recipient set of an initiating message;
	// contract-net uses it as the expected bidder set.
	Recipients []string
	At         time.Time
}

// TimerRequest asks the caller to arm a timer for a phase.
type TimerRequest struct {
	Phase string
	At    time.Time
}

// Result carries the effects of an applied event: the new state, messages
// the engine synthesized, and timer operations. Sending and timer arming
// stay outside the transition function.
type Result struct {
	State    State
	Outbound []acl.Message
	Schedule []TimerRequest
	Cancel   []string
	Reason   string
}

// ViolationError reports a message that is illegal in the conversation's
// current state. The message is dropped; the conversation keeps its last
// valid state.
type ViolationError struct {
	ConversationID string
	State          State
	Performative   acl.Performative
	Reason         string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("conversation %s: protocol violation in state %q: %s %s",
		e.ConversationID, e.State, e.Performative, e.Reason)
}

// Conversation is one live correlated exchange. Fields below the mutex are
// mutated only by the owning engine under the manager's per-conversation
// lock.
type Conversation struct {
	ID           string
	Protocol     string
	State        State
	Initiator    string
	Participants map[string]bool
	ReplyWiths   map[string]bool // observed reply_with handles
	Violations   int
	Reason       string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time

	// Contract-net bookkeeping, valid between CFP and award.
	Proposals []Proposal
	Expected  map[string]bool // agents the CFP was sent to
	Responded map[string]bool
	Winner    string
	Deadline  time.Time

	mu sync.Mutex
}

// Engine drives the state machine for one protocol kind. Apply must be a
// pure transition apart from bookkeeping on c itself: it never sends, it
// returns what should be sent.
type Engine interface {
	Protocol() string
	Apply(c *Conversation, ev Event) (Result, error)
	// Expire produces the effects of a passive TTL expiry. Most protocols
	// emit nothing; contract-net notifies pending bidders.
	Expire(c *Conversation) Result
}
