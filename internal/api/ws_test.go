package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weft-io/weft/internal/delivery"
	"github.com/weft-io/weft/internal/router"
	"github.com/weft-io/weft/pkg/acl"
)

// mockWSCore stands in for the router behind the websocket layer. submit
// can imitate the router's in-band replies through the bound endpoint.
type mockWSCore struct {
	mu     sync.Mutex
	eps    map[string]delivery.Endpoint
	submit func(c *mockWSCore, msg acl.Message) (string, error)
}

func newMockWSCore(submit func(c *mockWSCore, msg acl.Message) (string, error)) *mockWSCore {
	return &mockWSCore{eps: make(map[string]delivery.Endpoint), submit: submit}
}

func (c *mockWSCore) Submit(msg acl.Message) (string, error) { return c.submit(c, msg) }

func (c *mockWSCore) Bind(agentID string, ep delivery.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eps[agentID] = ep
}

func (c *mockWSCore) Unbind(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.eps, agentID)
}

func (c *mockWSCore) deliver(msg acl.Message) {
	c.mu.Lock()
	ep := c.eps[msg.Receiver]
	c.mu.Unlock()
	if ep != nil {
		ep.Deliver(context.Background(), msg)
	}
}

func dialAttach(t *testing.T, core Core, agentID string) *websocket.Conn {
	t.Helper()
	hub := NewHub(core, nil)
	s := NewServer(&mockCoreService{}, Config{}, nil, nil, hub)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/api/agents/" + agentID + "/attach"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial attach: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames reads every frame arriving within the window.
func readFrames(t *testing.T, conn *websocket.Conn, window time.Duration) []acl.Message {
	t.Helper()
	var got []acl.Message
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		var msg acl.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return got
		}
		got = append(got, msg)
	}
}

func TestAttachRoutingFailureRepliesOnce(t *testing.T) {
	core := newMockWSCore(func(c *mockWSCore, msg acl.Message) (string, error) {
		c.deliver(acl.FailureReply(msg, "no_capable_agent"))
		return "", &router.RoutingError{Capability: msg.Capability, Reason: "no healthy provider"}
	})
	conn := dialAttach(t, core, "alice")

	req := acl.Message{
		Performative: acl.Request, Sender: "alice",
		Capability: "translate", ReplyWith: "r1",
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrames(t, conn, 500*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 reply frame, got %d: %+v", len(got), got)
	}
	if got[0].Performative != acl.Failure || acl.ReasonOf(got[0].Content) != "no_capable_agent" {
		t.Errorf("expected failure(no_capable_agent), got %+v", got[0])
	}
}

func TestAttachUnknownPerformativeRepliesOnce(t *testing.T) {
	core := newMockWSCore(func(c *mockWSCore, msg acl.Message) (string, error) {
		c.deliver(acl.NotUnderstoodReply(msg, "unknown performative"))
		return "", &acl.ValidationError{Field: "performative", Reason: "unknown performative"}
	})
	conn := dialAttach(t, core, "alice")

	if err := conn.WriteJSON(acl.Message{
		Performative: "shout", Sender: "alice", Receiver: "bob",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrames(t, conn, 500*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 reply frame, got %d: %+v", len(got), got)
	}
	if got[0].Performative != acl.NotUnderstood {
		t.Errorf("expected not_understood, got %+v", got[0])
	}
}

func TestAttachValidationFailureReply(t *testing.T) {
	// errors the router does not answer in-band still earn one failure frame
	core := newMockWSCore(func(*mockWSCore, acl.Message) (string, error) {
		return "", &acl.ValidationError{Field: "reply_with", Reason: "request requires reply_with"}
	})
	conn := dialAttach(t, core, "alice")

	if err := conn.WriteJSON(acl.Message{
		Performative: acl.Request, Sender: "alice", Receiver: "bob",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrames(t, conn, 500*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 reply frame, got %d: %+v", len(got), got)
	}
	if got[0].Performative != acl.Failure {
		t.Errorf("expected failure, got %+v", got[0])
	}
}

func TestEventStreamDeliversEvents(t *testing.T) {
	hub := NewHub(newMockWSCore(func(*mockWSCore, acl.Message) (string, error) {
		return "", nil
	}), nil)
	s := NewServer(&mockCoreService{}, Config{}, nil, nil, hub)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	hub.Publish("inbound", acl.Message{ID: "m1", Performative: acl.Inform, Sender: "a", Receiver: "b"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Direction != "inbound" || ev.Message.ID != "m1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPublishNeverBlocksOnStalledWatcher(t *testing.T) {
	hub := NewHub(newMockWSCore(func(*mockWSCore, acl.Message) (string, error) {
		return "", nil
	}), nil)

	// a watcher whose queue is never drained
	hub.mu.Lock()
	hub.watchers[&websocket.Conn{}] = make(chan Event)
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("outbound", acl.Message{ID: "m", Performative: acl.Inform})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled watcher")
	}
}
