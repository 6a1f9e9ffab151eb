// Package delivery owns the outbound side of the engine: cancellable
// protocol timers and the retrying courier that pushes messages to agent
// endpoints.
package delivery

import (
	"sync"
	"time"
)

// TimerKey identifies one protocol timer. A conversation holds at most one
// timer per phase.
type TimerKey struct {
	ConversationID string
	Phase          string
}

// Timers is the cancellable timer table. When a timer fires it calls back
// into the router's event path; firing and cancellation race benignly
// because a fire against a finished conversation is absorbed there.
type Timers struct {
	mu     sync.Mutex
	armed  map[TimerKey]*time.Timer
	onFire func(conversationID, phase string)
}

// NewTimers creates a timer table firing into the given callback.
func NewTimers(onFire func(conversationID, phase string)) *Timers {
	return &Timers{
		armed:  make(map[TimerKey]*time.Timer),
		onFire: onFire,
	}
}

// Schedule arms a timer for the key, replacing any timer already armed. A
// due time in the past fires immediately.
func (t *Timers) Schedule(conversationID, phase string, at time.Time) {
	key := TimerKey{ConversationID: conversationID, Phase: phase}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.armed[key]; ok {
		old.Stop()
	}
	t.armed[key] = time.AfterFunc(time.Until(at), func() {
		t.mu.Lock()
		delete(t.armed, key)
		t.mu.Unlock()
		t.onFire(conversationID, phase)
	})
}

// Cancel disarms the timer for the key if one is armed.
func (t *Timers) Cancel(conversationID, phase string) {
	key := TimerKey{ConversationID: conversationID, Phase: phase}

	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.armed[key]; ok {
		timer.Stop()
		delete(t.armed, key)
	}
}

// CancelConversation disarms every timer belonging to a conversation.
func (t *Timers) CancelConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.armed {
		if key.ConversationID == conversationID {
			timer.Stop()
			delete(t.armed, key)
		}
	}
}

// Armed reports how many timers are currently pending.
func (t *Timers) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

// Stop disarms everything, for shutdown.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.armed {
		timer.Stop()
		delete(t.armed, key)
	}
}
