package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/weft-io/weft/internal/capability"
	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/internal/delivery"
	"github.com/weft-io/weft/internal/engine"
	"github.com/weft-io/weft/pkg/acl"
)

type fixture struct {
	router  *Router
	caps    *capability.Registry
	convs   *conversation.Manager
	courier *delivery.Courier
	store   *conversation.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := conversation.NewSQLiteStore(filepath.Join(t.TempDir(), "weft.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })

	caps := capability.New(nil)
	convs := conversation.NewManager(store, conversation.DefaultSettings(), nil)
	convs.RegisterEngine(engine.Request{})
	convs.RegisterEngine(engine.ContractNet{})
	courier := delivery.NewCourier(store, 1, time.Millisecond, time.Millisecond, nil)

	r := New(context.Background(), caps, convs, courier, store, nil, nil)
	t.Cleanup(r.Stop)
	return &fixture{router: r, caps: caps, convs: convs, courier: courier, store: store}
}

func (f *fixture) bind(t *testing.T, agentID string) *delivery.ChanEndpoint {
	t.Helper()
	ep := delivery.NewChanEndpoint(16)
	f.router.Bind(agentID, ep)
	return ep
}

func recv(t *testing.T, ep *delivery.ChanEndpoint) acl.Message {
	t.Helper()
	select {
	case m := <-ep.C:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return acl.Message{}
	}
}

func TestRouteBestMatch(t *testing.T) {
	f := newFixture(t)
	f.caps.Register("fast", "translate", 0.9)
	f.caps.Register("slow", "translate", 0.4)
	fast := f.bind(t, "fast")
	f.bind(t, "slow")

	convID, err := f.router.Route(acl.Message{
		Performative: acl.Request, Sender: "buyer", Capability: "translate", ReplyWith: "r1",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	f.courier.Wait()

	got := recv(t, fast)
	if got.Performative != acl.Request || got.ConversationID != convID {
		t.Errorf("unexpected delivery %+v", got)
	}

	c, live := f.convs.Lookup(convID)
	if !live || c.State != conversation.StateRequestSent {
		t.Errorf("expected live request_sent conversation, got %+v", c)
	}
}

func TestRouteNoProvider(t *testing.T) {
	f := newFixture(t)
	buyer := f.bind(t, "buyer")

	_, err := f.router.Route(acl.Message{
		Performative: acl.Request, Sender: "buyer", Capability: "translate", ReplyWith: "r1",
	})
	var re *RoutingError
	if !errors.As(err, &re) {
		t.Fatalf("expected RoutingError, got %v", err)
	}
	f.courier.Wait()

	got := recv(t, buyer)
	if got.Performative != acl.Failure {
		t.Fatalf("expected failure reply, got %+v", got)
	}
	if reason := acl.ReasonOf(got.Content); reason != "no_capable_agent" {
		t.Errorf("expected no_capable_agent, got %q", reason)
	}
}

func TestRouteBroadcastDelivery(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.caps.Register(id, "alerts", 0.5)
	}
	eps := map[string]*delivery.ChanEndpoint{
		"a": f.bind(t, "a"), "b": f.bind(t, "b"), "c": f.bind(t, "c"),
	}

	_, err := f.router.Route(acl.Message{
		Performative: acl.Inform, Sender: "monitor", Capability: "alerts",
		Strategy: acl.Broadcast, Unsolicited: true,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	f.courier.Wait()

	for id, ep := range eps {
		got := recv(t, ep)
		if got.Sender != "monitor" {
			t.Errorf("agent %s got %+v", id, got)
		}
	}
}

func TestRouteLoadBalancedRoundRobin(t *testing.T) {
	f := newFixture(t)
	f.caps.Register("a", "work", 0.5)
	f.caps.Register("b", "work", 0.5)
	epA, epB := f.bind(t, "a"), f.bind(t, "b")

	for i := 0; i < 4; i++ {
		if _, err := f.router.Route(acl.Message{
			Performative: acl.Inform, Sender: "feeder", Capability: "work",
			Strategy: acl.LoadBalanced, Unsolicited: true,
		}); err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
	}
	f.courier.Wait()

	if len(epA.C) != 2 || len(epB.C) != 2 {
		t.Errorf("expected 2 deliveries each, got a=%d b=%d", len(epA.C), len(epB.C))
	}
}

func TestRouteRequestConversationFlow(t *testing.T) {
	f := newFixture(t)
	f.caps.Register("seller", "quotes", 0.8)
	seller := f.bind(t, "seller")
	buyer := f.bind(t, "buyer")

	convID, err := f.router.Route(acl.Message{
		Performative: acl.Request, Sender: "buyer", Capability: "quotes", ReplyWith: "r1",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.courier.Wait()
	recv(t, seller)

	if _, err := f.router.Route(acl.Message{
		Performative: acl.Agree, Sender: "seller", Receiver: "buyer",
		ConversationID: convID, InReplyTo: "r1",
	}); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if _, err := f.router.Route(acl.Message{
		Performative: acl.Inform, Sender: "seller", Receiver: "buyer",
		ConversationID: convID, InReplyTo: "r1",
	}); err != nil {
		t.Fatalf("inform: %v", err)
	}
	f.courier.Wait()

	// deliveries run on independent courier goroutines, so the buyer may
	// see the two replies in either order
	got := map[acl.Performative]bool{
		recv(t, buyer).Performative: true,
		recv(t, buyer).Performative: true,
	}
	if !got[acl.Agree] || !got[acl.Inform] {
		t.Errorf("expected agree and inform delivered, got %v", got)
	}
	if _, live := f.convs.Lookup(convID); live {
		t.Error("expected completed conversation out of the live table")
	}

	rec, err := f.store.GetConversation(convID)
	if err != nil {
		t.Fatalf("archive lookup: %v", err)
	}
	if rec.State != conversation.StateCompleted {
		t.Errorf("expected completed archived, got %q", rec.State)
	}
}

func TestRouteContractNetEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.caps.Register("alice", "paint", 0.9)
	f.caps.Register("bob", "paint", 0.8)
	alice, bob := f.bind(t, "alice"), f.bind(t, "bob")
	orch := f.bind(t, "orchestrator")

	convID, err := f.router.Route(acl.Message{
		Performative: acl.CFP, Sender: "orchestrator", Capability: "paint",
		Strategy: acl.Broadcast, ReplyWith: "rw-cfp",
	})
	if err != nil {
		t.Fatalf("cfp: %v", err)
	}
	f.courier.Wait()
	recv(t, alice)
	recv(t, bob)

	for _, p := range []struct {
		sender string
		bid    string
	}{
		{"alice", `{"cost":10}`},
		{"bob", `{"cost":5}`},
	} {
		if _, err := f.router.Route(acl.Message{
			Performative: acl.Propose, Sender: p.sender, Receiver: "orchestrator",
			ConversationID: convID, InReplyTo: "rw-cfp", ReplyWith: "rw-" + p.sender,
			Content: []byte(p.bid),
		}); err != nil {
			t.Fatalf("%s bid: %v", p.sender, err)
		}
	}
	f.courier.Wait()

	// the orchestrator sees both bids, bob wins, alice is rejected
	recv(t, orch)
	recv(t, orch)
	if got := recv(t, bob); got.Performative != acl.AcceptProposal {
		t.Fatalf("expected accept_proposal to bob, got %+v", got)
	}
	if got := recv(t, alice); got.Performative != acl.RejectProposal {
		t.Fatalf("expected reject_proposal to alice, got %+v", got)
	}

	c, live := f.convs.Lookup(convID)
	if !live || c.State != conversation.StateExecutionPhase || c.Winner != "bob" {
		t.Fatalf("expected execution_phase with bob as winner, got %+v", c)
	}
}

func TestRouteUnknownPerformative(t *testing.T) {
	f := newFixture(t)
	sender := f.bind(t, "talker")

	_, err := f.router.Route(acl.Message{
		Performative: "shout", Sender: "talker", Receiver: "anyone",
	})
	var ve *acl.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	f.courier.Wait()

	got := recv(t, sender)
	if got.Performative != acl.NotUnderstood {
		t.Fatalf("expected not_understood, got %+v", got)
	}
}

func TestRouteDeadLettersUnboundRecipient(t *testing.T) {
	f := newFixture(t)

	if _, err := f.router.Route(acl.Message{
		Performative: acl.Inform, Sender: "a", Receiver: "ghost", Unsolicited: true,
	}); err != nil {
		t.Fatalf("route: %v", err)
	}

	letters, err := f.store.DeadLetters(0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Recipient != "ghost" || letters[0].Reason != "no_endpoint" {
		t.Fatalf("expected a no_endpoint dead letter for ghost, got %+v", letters)
	}
}

func TestRouteBroadcastRequestForksConversations(t *testing.T) {
	f := newFixture(t)
	f.caps.Register("a", "audit", 0.5)
	f.caps.Register("b", "audit", 0.5)
	f.bind(t, "a")
	f.bind(t, "b")

	baseID, err := f.router.Route(acl.Message{
		Performative: acl.Request, Sender: "chief", Capability: "audit",
		Strategy: acl.Broadcast, ReplyWith: "r1",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	f.courier.Wait()

	ids := map[string]bool{}
	for _, rid := range []string{"a", "b"} {
		forkID := baseID + ":" + rid
		c, live := f.convs.Lookup(forkID)
		if !live || c.State != conversation.StateRequestSent {
			t.Errorf("expected forked conversation for %s, got %+v", rid, c)
		}

		msgs, err := f.store.Messages(forkID)
		if err != nil {
			t.Fatalf("archive for %s: %v", forkID, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("fork %s: expected 1 archived message, got %d", rid, len(msgs))
		}
		if ids[msgs[0].ID] {
			t.Errorf("fork %s reuses message id %s", rid, msgs[0].ID)
		}
		ids[msgs[0].ID] = true
	}
}
