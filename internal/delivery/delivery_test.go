package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weft-io/weft/pkg/acl"
)

type memDeadLetters struct {
	mu      sync.Mutex
	letters []string // "recipient/reason"
}

func (m *memDeadLetters) DeadLetter(msg acl.Message, recipient, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, recipient+"/"+reason)
	return nil
}

func TestCourierDeliversFirstTry(t *testing.T) {
	dl := &memDeadLetters{}
	co := NewCourier(dl, 3, time.Millisecond, time.Millisecond, nil)
	ep := NewChanEndpoint(1)

	co.Send(context.Background(), "alice", ep, acl.Message{ID: "m1", Performative: acl.Inform, Sender: "a", Unsolicited: true})
	co.Wait()

	select {
	case got := <-ep.C:
		if got.ID != "m1" {
			t.Errorf("delivered wrong message %q", got.ID)
		}
	default:
		t.Fatal("expected message in inbox")
	}
	if len(dl.letters) != 0 {
		t.Errorf("unexpected dead letters %v", dl.letters)
	}
}

func TestCourierRetriesThenSucceeds(t *testing.T) {
	dl := &memDeadLetters{}
	co := NewCourier(dl, 3, time.Millisecond, time.Millisecond, nil)

	var attempts atomic.Int32
	ep := EndpointFunc(func(ctx context.Context, msg acl.Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	co.Send(context.Background(), "alice", ep, acl.Message{ID: "m1"})
	co.Wait()

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if len(dl.letters) != 0 {
		t.Errorf("unexpected dead letters %v", dl.letters)
	}
}

func TestCourierDeadLettersOnExhaustion(t *testing.T) {
	dl := &memDeadLetters{}
	co := NewCourier(dl, 2, time.Millisecond, time.Millisecond, nil)

	ep := EndpointFunc(func(ctx context.Context, msg acl.Message) error {
		return errors.New("inbox full")
	})
	co.Send(context.Background(), "bob", ep, acl.Message{ID: "m1"})
	co.Wait()

	if len(dl.letters) != 1 || dl.letters[0] != "bob/max_retries" {
		t.Fatalf("expected one max_retries dead letter for bob, got %v", dl.letters)
	}
}

func TestCourierStopsOnCancel(t *testing.T) {
	dl := &memDeadLetters{}
	co := NewCourier(dl, 10, time.Hour, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ep := EndpointFunc(func(ctx context.Context, msg acl.Message) error {
		return errors.New("down")
	})
	co.Send(ctx, "bob", ep, acl.Message{ID: "m1"})
	cancel()

	done := make(chan struct{})
	go func() { co.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("courier did not stop after cancel")
	}
	if len(dl.letters) != 0 {
		t.Errorf("cancelled delivery must not dead-letter, got %v", dl.letters)
	}
}

func TestChanEndpointFullInbox(t *testing.T) {
	ep := NewChanEndpoint(1)
	ctx := context.Background()

	if err := ep.Deliver(ctx, acl.Message{ID: "m1"}); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if err := ep.Deliver(ctx, acl.Message{ID: "m2"}); err == nil {
		t.Fatal("expected error on full inbox")
	}
}

func TestTimersFireAndCancel(t *testing.T) {
	fired := make(chan TimerKey, 4)
	timers := NewTimers(func(conversationID, phase string) {
		fired <- TimerKey{ConversationID: conversationID, Phase: phase}
	})
	defer timers.Stop()

	timers.Schedule("c1", "reply", time.Now().Add(10*time.Millisecond))
	timers.Schedule("c2", "reply", time.Now().Add(time.Hour))
	timers.Cancel("c2", "reply")

	select {
	case key := <-fired:
		if key.ConversationID != "c1" || key.Phase != "reply" {
			t.Fatalf("wrong timer fired: %+v", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	select {
	case key := <-fired:
		t.Fatalf("cancelled timer fired: %+v", key)
	case <-time.After(50 * time.Millisecond):
	}
	if timers.Armed() != 0 {
		t.Errorf("expected no armed timers, got %d", timers.Armed())
	}
}

func TestTimersReplaceOnReschedule(t *testing.T) {
	fired := make(chan TimerKey, 4)
	timers := NewTimers(func(conversationID, phase string) {
		fired <- TimerKey{ConversationID: conversationID, Phase: phase}
	})
	defer timers.Stop()

	timers.Schedule("c1", "reply", time.Now().Add(time.Hour))
	timers.Schedule("c1", "reply", time.Now().Add(10*time.Millisecond))
	if timers.Armed() != 1 {
		t.Fatalf("expected one armed timer, got %d", timers.Armed())
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement timer never fired")
	}
}

func TestTimersCancelConversation(t *testing.T) {
	timers := NewTimers(func(string, string) {})
	defer timers.Stop()

	timers.Schedule("c1", "reply", time.Now().Add(time.Hour))
	timers.Schedule("c1", "execution", time.Now().Add(time.Hour))
	timers.Schedule("c2", "reply", time.Now().Add(time.Hour))

	timers.CancelConversation("c1")
	if timers.Armed() != 1 {
		t.Errorf("expected only c2's timer armed, got %d", timers.Armed())
	}
}
