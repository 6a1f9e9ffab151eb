package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/weft-io/weft/pkg/acl"
)

// Settings holds the manager's lifecycle policy.
type Settings struct {
	// RequestTTL is the inactivity window for fipa-request conversations.
	RequestTTL time.Duration
	// ContractNetTTL is the inactivity window for contract-net
	// conversations; it must cover the bidding window plus execution.
	ContractNetTTL time.Duration
	// MaxViolations forces a conversation to failed once exceeded.
	MaxViolations int
}

// DefaultSettings mirror the daemon defaults.
func DefaultSettings() Settings {
	return Settings{
		RequestTTL:     5 * time.Minute,
		ContractNetTTL: 30 * time.Minute,
		MaxViolations:  5,
	}
}

// Manager owns the live conversation table. Exactly one engine instance per
// protocol applies transitions, and application is serialized per
// conversation via each conversation's own lock.
type Manager struct {
	mu       sync.Mutex
	live     map[string]*Conversation
	engines  map[string]Engine
	store    Store
	settings Settings
	logger   *slog.Logger
}

// NewManager creates a manager backed by the given archive store.
func NewManager(store Store, settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.MaxViolations <= 0 {
		settings.MaxViolations = DefaultSettings().MaxViolations
	}
	if settings.RequestTTL <= 0 {
		settings.RequestTTL = DefaultSettings().RequestTTL
	}
	if settings.ContractNetTTL <= 0 {
		settings.ContractNetTTL = DefaultSettings().ContractNetTTL
	}
	return &Manager{
		live:     make(map[string]*Conversation),
		engines:  make(map[string]Engine),
		store:    store,
		settings: settings,
		logger:   logger,
	}
}

// RegisterEngine installs the engine owning a protocol kind.
func (m *Manager) RegisterEngine(e Engine) {
	m.engines[e.Protocol()] = e
}

// Lookup returns the live conversation with the given id.
func (m *Manager) Lookup(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.live[id]
	return c, ok
}

// OpenOrAttach returns the live conversation with the given id, creating it
// in Started when unseen. Attaching with a conflicting protocol is an error.
func (m *Manager) OpenOrAttach(id, protocol string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.live[id]; ok {
		if protocol != "" && protocol != c.Protocol {
			return nil, fmt.Errorf("conversation: %s belongs to protocol %q, not %q", id, c.Protocol, protocol)
		}
		return c, nil
	}

	if _, ok := m.engines[protocol]; !ok {
		return nil, fmt.Errorf("conversation: no engine for protocol %q", protocol)
	}

	now := time.Now()
	c := &Conversation{
		ID:           id,
		Protocol:     protocol,
		State:        StateStarted,
		Participants: make(map[string]bool),
		ReplyWiths:   make(map[string]bool),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.ttl(protocol)),
	}
	m.live[id] = c
	m.logger.Debug("conversation opened", "conversation", id, "protocol", protocol)
	return c, nil
}

// Apply runs one event through the conversation's engine. Effects (outbound
// messages, timer operations) are returned for the caller to execute; a
// *ViolationError means the message was rejected and the state unchanged,
// except when the violation cap forces the conversation to failed, in which
// case the returned Result carries the forced transition's cleanup.
func (m *Manager) Apply(c *Conversation, ev Event) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// A timer that fires after the conversation reached a terminal state
	// has no further effect.
	if c.State.Terminal() {
		if ev.Kind != EventMessage {
			return Result{State: c.State}, nil
		}
		return Result{}, m.violation(c, ev, "conversation already terminal")
	}

	eng, ok := m.engines[c.Protocol]
	if !ok {
		return Result{}, fmt.Errorf("conversation: no engine for protocol %q", c.Protocol)
	}

	if ev.Kind == EventMessage && ev.Msg.InReplyTo != "" && !c.ReplyWiths[ev.Msg.InReplyTo] {
		return m.afterViolation(c, m.violation(c, ev,
			fmt.Sprintf("in_reply_to %q matches no reply_with in this conversation", ev.Msg.InReplyTo)))
	}

	res, err := eng.Apply(c, ev)
	if err != nil {
		var ve *ViolationError
		if errors.As(err, &ve) {
			return m.afterViolation(c, err)
		}
		return Result{}, err
	}

	if ev.Kind == EventMessage {
		msg := ev.Msg
		if msg.ReplyWith != "" {
			c.ReplyWiths[msg.ReplyWith] = true
		}
		c.Participants[msg.Sender] = true
		if msg.Receiver != "" {
			c.Participants[msg.Receiver] = true
		}
		for _, rid := range ev.Recipients {
			c.Participants[rid] = true
		}
		if err := m.store.AppendMessage(c.ID, msg); err != nil {
			m.logger.Error("failed to archive message", "conversation", c.ID, "error", err)
		}
	}
	for _, out := range res.Outbound {
		if err := m.store.AppendMessage(c.ID, out); err != nil {
			m.logger.Error("failed to archive outbound message", "conversation", c.ID, "error", err)
		}
	}

	if res.State != "" {
		c.State = res.State
	}
	if res.Reason != "" {
		c.Reason = res.Reason
	}
	c.LastActivity = ev.At
	c.ExpiresAt = ev.At.Add(m.ttl(c.Protocol))
	m.persist(c)

	if c.State.Terminal() {
		// Terminal conversations leave the live table; timers for any
		// phase must not outlive them.
		res.Cancel = appendMissing(res.Cancel, PhaseReply, PhaseExecution)
		m.remove(c.ID)
		m.logger.Info("conversation finished",
			"conversation", c.ID, "protocol", c.Protocol, "state", c.State, "reason", c.Reason)
	}
	return res, nil
}

// ApplyTimer injects a timer firing into the conversation's event path.
// Firing against a conversation that is no longer live is a no-op.
func (m *Manager) ApplyTimer(conversationID, phase string) (Result, bool) {
	c, ok := m.Lookup(conversationID)
	if !ok {
		return Result{}, false
	}
	kind := EventDeadline
	if phase == PhaseExecution {
		kind = EventExecutionTimeout
	}
	res, err := m.Apply(c, Event{Kind: kind})
	if err != nil {
		m.logger.Warn("timer event rejected", "conversation", conversationID, "phase", phase, "error", err)
		return res, false
	}
	return res, true
}

// Expiry is the outcome of one expired conversation.
type Expiry struct {
	ConversationID string
	Result         Result
}

// ExpireDue transitions every conversation whose TTL elapsed to Expired and
// returns the per-conversation effects. Expiry frees the conversation but
// emits no message unless the owning engine requires it.
func (m *Manager) ExpireDue(now time.Time) []Expiry {
	m.mu.Lock()
	candidates := make([]*Conversation, 0)
	for _, c := range m.live {
		candidates = append(candidates, c)
	}
	m.mu.Unlock()

	var expired []Expiry
	for _, c := range candidates {
		c.mu.Lock()
		if c.State.Terminal() || now.Before(c.ExpiresAt) {
			c.mu.Unlock()
			continue
		}
		eng := m.engines[c.Protocol]
		res := eng.Expire(c)
		if res.State == "" {
			res.State = StateExpired
		}
		c.State = res.State
		c.Reason = "expired"
		res.Cancel = appendMissing(res.Cancel, PhaseReply, PhaseExecution)
		for _, out := range res.Outbound {
			if err := m.store.AppendMessage(c.ID, out); err != nil {
				m.logger.Error("failed to archive expiry message", "conversation", c.ID, "error", err)
			}
		}
		m.persist(c)
		c.mu.Unlock()

		m.remove(c.ID)
		m.logger.Info("conversation expired", "conversation", c.ID, "protocol", c.Protocol)
		expired = append(expired, Expiry{ConversationID: c.ID, Result: res})
	}
	return expired
}

// LiveCount returns the number of live conversations.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// afterViolation counts a violation and, past the cap, forces the
// conversation to failed. Callers receive both the cleanup Result and the
// original violation error.
func (m *Manager) afterViolation(c *Conversation, err error) (Result, error) {
	c.Violations++
	m.logger.Warn("protocol violation", "conversation", c.ID, "violations", c.Violations, "error", err)
	if c.Violations < m.settings.MaxViolations {
		m.persist(c)
		return Result{}, err
	}

	c.State = StateFailed
	c.Reason = "too_many_violations"
	m.persist(c)
	m.remove(c.ID)
	m.logger.Warn("conversation failed after repeated violations", "conversation", c.ID)
	return Result{
		State:  StateFailed,
		Cancel: []string{PhaseReply, PhaseExecution},
		Reason: c.Reason,
	}, err
}

func (m *Manager) violation(c *Conversation, ev Event, reason string) *ViolationError {
	return &ViolationError{
		ConversationID: c.ID,
		State:          c.State,
		Performative:   ev.Msg.Performative,
		Reason:         reason,
	}
}

func (m *Manager) ttl(protocol string) time.Duration {
	if protocol == acl.ProtocolContractNet {
		return m.settings.ContractNetTTL
	}
	return m.settings.RequestTTL
}

func (m *Manager) persist(c *Conversation) {
	exp := c.ExpiresAt
	rec := &Record{
		ID:           c.ID,
		Protocol:     c.Protocol,
		State:        c.State,
		Initiator:    c.Initiator,
		Participants: sortedKeys(c.Participants),
		Reason:       c.Reason,
		Violations:   c.Violations,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
		ExpiresAt:    &exp,
	}
	if err := m.store.SaveConversation(rec); err != nil {
		m.logger.Error("failed to persist conversation", "conversation", c.ID, "error", err)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func appendMissing(phases []string, add ...string) []string {
	for _, p := range add {
		if !slices.Contains(phases, p) {
			phases = append(phases, p)
		}
	}
	return phases
}
