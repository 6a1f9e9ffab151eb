package conversation

import (
	"time"

	"github.com/weft-io/weft/pkg/acl"
)

// Record is the persisted snapshot of a conversation.
type Record struct {
	ID           string     `json:"id"`
	Protocol     string     `json:"protocol"`
	State        State      `json:"state"`
	Initiator    string     `json:"initiator"`
	Participants []string   `json:"participants"`
	Reason       string     `json:"reason,omitempty"`
	Violations   int        `json:"violations,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// DeadLetter is a message that exhausted delivery retries.
type DeadLetter struct {
	ID        string      `json:"id"`
	Recipient string      `json:"recipient"`
	Reason    string      `json:"reason"`
	Message   acl.Message `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// Filter constrains conversation list queries.
type Filter struct {
	State       State
	Protocol    string
	Participant string
	Limit       int // 0 = no limit
}

// Store is the persistence interface for the conversation archive and the
// dead-letter queue.
type Store interface {
	// SaveConversation creates or updates a conversation snapshot.
	SaveConversation(rec *Record) error
	// GetConversation retrieves a snapshot by id.
	GetConversation(id string) (*Record, error)
	// ListConversations returns snapshots matching the filter, newest first.
	ListConversations(f Filter) ([]*Record, error)
	// AppendMessage archives a message under a conversation.
	AppendMessage(conversationID string, msg acl.Message) error
	// Messages returns a conversation's archived messages in append order.
	Messages(conversationID string) ([]acl.Message, error)
	// DeadLetter records a message that could not be delivered.
	DeadLetter(msg acl.Message, recipient, reason string) error
	// DeadLetters returns the newest dead letters up to limit (0 = all).
	DeadLetters(limit int) ([]DeadLetter, error)
}
