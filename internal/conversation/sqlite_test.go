package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/weft-io/weft/pkg/acl"
)

func TestSQLiteConversationRoundTrip(t *testing.T) {
	store := testStore(t)

	exp := time.Now().Add(time.Hour).UTC()
	rec := &Record{
		ID:           "c1",
		Protocol:     acl.ProtocolRequest,
		State:        StateRequestSent,
		Initiator:    "buyer",
		Participants: []string{"buyer", "seller"},
		Reason:       "",
		Violations:   2,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		ExpiresAt:    &exp,
	}
	if err := store.SaveConversation(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetConversation("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateRequestSent || got.Initiator != "buyer" || got.Violations != 2 {
		t.Errorf("unexpected record %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires_at mismatch: %v vs %v", got.ExpiresAt, exp)
	}

	// upsert
	rec.State = StateCompleted
	if err := store.SaveConversation(rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ = store.GetConversation("c1"); got.State != StateCompleted {
		t.Errorf("expected updated state, got %q", got.State)
	}

	if _, err := store.GetConversation("missing"); err == nil {
		t.Error("expected error for unknown conversation")
	}
}

func TestSQLiteListFilters(t *testing.T) {
	store := testStore(t)

	base := time.Now().UTC()
	for i, r := range []*Record{
		{ID: "c1", Protocol: acl.ProtocolRequest, State: StateCompleted, Initiator: "buyer", Participants: []string{"buyer", "seller"}},
		{ID: "c2", Protocol: acl.ProtocolContractNet, State: StateProposalPhase, Initiator: "orch", Participants: []string{"orch", "alice", "bob"}},
		{ID: "c3", Protocol: acl.ProtocolRequest, State: StateFailed, Initiator: "buyer", Participants: []string{"buyer", "vendor"}},
	} {
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r.LastActivity = r.CreatedAt
		if err := store.SaveConversation(r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	all, err := store.ListConversations(Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c3" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	byState, _ := store.ListConversations(Filter{State: StateCompleted})
	if len(byState) != 1 || byState[0].ID != "c1" {
		t.Errorf("state filter returned %+v", byState)
	}

	byProto, _ := store.ListConversations(Filter{Protocol: acl.ProtocolContractNet})
	if len(byProto) != 1 || byProto[0].ID != "c2" {
		t.Errorf("protocol filter returned %+v", byProto)
	}

	byPart, _ := store.ListConversations(Filter{Participant: "alice"})
	if len(byPart) != 1 || byPart[0].ID != "c2" {
		t.Errorf("participant filter returned %+v", byPart)
	}

	limited, _ := store.ListConversations(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit filter returned %d records", len(limited))
	}
}

func TestSQLiteMessageArchive(t *testing.T) {
	store := testStore(t)
	store.SaveConversation(&Record{ID: "c1", Protocol: acl.ProtocolRequest, State: StateStarted,
		Participants: []string{}, CreatedAt: time.Now(), LastActivity: time.Now()})

	m1 := acl.Message{ID: "m1", Performative: acl.Request, Sender: "a", Receiver: "b", ReplyWith: "r1",
		Content: json.RawMessage(`{"task":"translate"}`)}
	m2 := acl.Message{ID: "m2", Performative: acl.Agree, Sender: "b", Receiver: "a", InReplyTo: "r1"}
	for _, m := range []acl.Message{m1, m2, m1} { // duplicate archive is a no-op
		if err := store.AppendMessage("c1", m); err != nil {
			t.Fatalf("append %s: %v", m.ID, err)
		}
	}

	msgs, err := store.Messages("c1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 archived messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("expected append order preserved, got %s then %s", msgs[0].ID, msgs[1].ID)
	}
	if string(msgs[0].Content) != `{"task":"translate"}` {
		t.Errorf("content mangled: %s", msgs[0].Content)
	}
}

func TestSQLiteDeadLetters(t *testing.T) {
	store := testStore(t)

	msg := acl.Message{ID: "m1", Performative: acl.Inform, Sender: "a", Receiver: "gone", Unsolicited: true}
	if err := store.DeadLetter(msg, "gone", "no_endpoint"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := store.DeadLetter(msg, "gone", "max_retries"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	letters, err := store.DeadLetters(0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(letters))
	}
	if letters[0].Recipient != "gone" || letters[0].Message.ID != "m1" {
		t.Errorf("unexpected dead letter %+v", letters[0])
	}

	one, _ := store.DeadLetters(1)
	if len(one) != 1 {
		t.Errorf("limit ignored, got %d", len(one))
	}
}
