// Package router wires validation, capability resolution, conversation
// engines and delivery into one inbound path. Route is the single entry
// point for every message, whether it arrived over the API, a websocket
// attachment or a protocol timer.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weft-io/weft/internal/capability"
	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/internal/delivery"
	"github.com/weft-io/weft/pkg/acl"
)

// RoutingError means no recipient could be resolved for a message.
type RoutingError struct {
	Capability string
	Strategy   acl.RoutingStrategy
	Reason     string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %q via %s: %s", e.Capability, e.Strategy, e.Reason)
}

// EventSink observes every message crossing the router, for the live event
// stream. Direction is "inbound" or "outbound".
type EventSink interface {
	Publish(direction string, msg acl.Message)
}

// DeadLetterer records undeliverable messages.
type DeadLetterer interface {
	DeadLetter(msg acl.Message, recipient, reason string) error
}

// Router is the message core. All fields are set at construction; the
// endpoint table and round-robin counters are guarded by mu.
type Router struct {
	caps        *capability.Registry
	convs       *conversation.Manager
	courier     *delivery.Courier
	timers      *delivery.Timers
	deadLetters DeadLetterer
	events      EventSink
	logger      *slog.Logger
	ctx         context.Context

	mu        sync.Mutex
	endpoints map[string]delivery.Endpoint
	rr        map[string]int // per-capability round-robin cursor
}

// New creates a router. ctx bounds every delivery retry the router spawns;
// events may be nil.
func New(ctx context.Context, caps *capability.Registry, convs *conversation.Manager,
	courier *delivery.Courier, deadLetters DeadLetterer, events EventSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		caps:        caps,
		convs:       convs,
		courier:     courier,
		deadLetters: deadLetters,
		events:      events,
		logger:      logger,
		ctx:         ctx,
		endpoints:   make(map[string]delivery.Endpoint),
		rr:          make(map[string]int),
	}
	r.timers = delivery.NewTimers(r.handleTimer)
	return r
}

// Bind attaches an agent's endpoint. Messages addressed to the agent are
// delivered there until Unbind.
func (r *Router) Bind(agentID string, ep delivery.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[agentID] = ep
	r.logger.Info("endpoint bound", "agent", agentID)
}

// Unbind detaches an agent's endpoint. Subsequent messages for the agent
// are dead-lettered after retries.
func (r *Router) Unbind(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, agentID)
	r.logger.Info("endpoint unbound", "agent", agentID)
}

// Stop disarms protocol timers and waits for in-flight deliveries.
func (r *Router) Stop() {
	r.timers.Stop()
	r.courier.Wait()
}

// Route runs one message through the full path: validate, resolve
// recipients, advance the owning conversation and dispatch copies. It
// returns the conversation id the message landed in ("" for bare
// deliveries outside any protocol).
func (r *Router) Route(msg acl.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = acl.NewID()
	}
	r.publish("inbound", msg)

	// An unknown performative earns a not_understood reply instead of a
	// silent validation failure, as long as there is someone to tell.
	if msg.Performative != "" && !msg.Performative.Known() && msg.Sender != "" {
		reply := acl.NotUnderstoodReply(msg, fmt.Sprintf("unknown performative %q", msg.Performative))
		r.dispatch(msg.Sender, reply)
		return "", &acl.ValidationError{Field: "performative", Reason: "unknown performative"}
	}

	if err := acl.Validate(msg); err != nil {
		return "", err
	}

	recipients, err := r.resolve(msg)
	if err != nil {
		// the initiator learns about the routing failure in-band
		r.dispatch(msg.Sender, acl.FailureReply(msg, "no_capable_agent"))
		return "", err
	}

	protocol := protocolFor(msg)
	baseID := msg.ConversationID
	if baseID == "" {
		baseID = msg.ID
	}

	// Outside any protocol the router is a plain courier: a reply joins
	// its live conversation, anything else is delivered as-is.
	if protocol == "" {
		if _, live := r.convs.Lookup(baseID); live {
			return baseID, r.advance(baseID, "", msg, recipients)
		}
		if msg.ConversationID != "" {
			return "", fmt.Errorf("router: conversation %q is not active", msg.ConversationID)
		}
		for _, rid := range recipients {
			r.dispatch(rid, msg)
		}
		return "", nil
	}

	// A broadcast CFP opens one multi-party auction; any other broadcast
	// forks an independent conversation per recipient. Each fork gets its
	// own message id so every fork's archive records its copy.
	if msg.Strategy == acl.Broadcast && msg.Performative != acl.CFP && len(recipients) > 1 {
		for _, rid := range recipients {
			forkID := baseID + ":" + rid
			fork := msg
			fork.ID = acl.NewID()
			fork.ConversationID = forkID
			if err := r.advance(forkID, protocol, fork, []string{rid}); err != nil {
				return baseID, err
			}
		}
		return baseID, nil
	}

	return baseID, r.advance(baseID, protocol, msg, recipients)
}

// advance applies the message to its conversation and dispatches copies to
// each resolved recipient.
func (r *Router) advance(conversationID, protocol string, msg acl.Message, recipients []string) error {
	c, live := r.convs.Lookup(conversationID)
	if !live {
		var err error
		if c, err = r.convs.OpenOrAttach(conversationID, protocol); err != nil {
			return err
		}
	}

	msg.ConversationID = conversationID
	res, err := r.convs.Apply(c, conversation.Event{
		Kind:       conversation.EventMessage,
		Msg:        msg,
		Recipients: recipients,
	})
	r.finish(conversationID, res)
	if err != nil {
		return err
	}

	for _, rid := range recipients {
		if rid == msg.Sender {
			continue
		}
		r.dispatch(rid, msg)
	}
	return nil
}

// finish executes a transition's effects: timer operations first, then
// engine-synthesized messages.
func (r *Router) finish(conversationID string, res conversation.Result) {
	for _, phase := range res.Cancel {
		r.timers.Cancel(conversationID, phase)
	}
	for _, req := range res.Schedule {
		r.timers.Schedule(conversationID, req.Phase, req.At)
	}
	for _, out := range res.Outbound {
		if out.ConversationID == "" {
			out.ConversationID = conversationID
		}
		r.dispatch(out.Receiver, out)
	}
}

// handleTimer is the timer table's fire callback; it re-enters the event
// path so deadline transitions see the same serialization as messages.
func (r *Router) handleTimer(conversationID, phase string) {
	res, ok := r.convs.ApplyTimer(conversationID, phase)
	if !ok {
		return
	}
	r.finish(conversationID, res)
}

// ExpireConversations sweeps TTL-expired conversations and executes their
// expiry effects. The daemon runs it on a cron schedule.
func (r *Router) ExpireConversations() {
	for _, exp := range r.convs.ExpireDue(time.Now()) {
		r.finish(exp.ConversationID, exp.Result)
	}
}

// dispatch hands one copy to the recipient's endpoint via the courier, or
// dead-letters it when the agent has no endpoint bound.
func (r *Router) dispatch(recipient string, msg acl.Message) {
	if recipient == "" || recipient == acl.SystemAgent {
		return
	}
	r.publish("outbound", msg)

	r.mu.Lock()
	ep, ok := r.endpoints[recipient]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("no endpoint for recipient", "recipient", recipient, "message", msg.ID)
		if err := r.deadLetters.DeadLetter(msg, recipient, "no_endpoint"); err != nil {
			r.logger.Error("failed to dead-letter", "recipient", recipient, "error", err)
		}
		return
	}
	r.courier.Send(r.ctx, recipient, ep, msg)
}

// resolve returns the recipient set for a message. Directly addressed
// messages bypass the registry entirely.
func (r *Router) resolve(msg acl.Message) ([]string, error) {
	if msg.Receiver != "" {
		return []string{msg.Receiver}, nil
	}

	agents := r.caps.Resolve(msg.Capability)
	if len(agents) == 0 {
		return nil, &RoutingError{Capability: msg.Capability, Strategy: msg.Strategy, Reason: "no healthy provider"}
	}

	strategy := msg.Strategy
	if strategy == "" {
		strategy = acl.BestMatch
	}
	switch strategy {
	case acl.BestMatch:
		return agents[:1], nil
	case acl.Broadcast:
		return agents, nil
	case acl.LoadBalanced:
		r.mu.Lock()
		i := r.rr[msg.Capability] % len(agents)
		r.rr[msg.Capability]++
		r.mu.Unlock()
		return []string{agents[i]}, nil
	}
	return nil, &RoutingError{Capability: msg.Capability, Strategy: strategy, Reason: "unknown strategy"}
}

func (r *Router) publish(direction string, msg acl.Message) {
	if r.events != nil {
		r.events.Publish(direction, msg)
	}
}

func protocolFor(msg acl.Message) string {
	if msg.Protocol != "" {
		return msg.Protocol
	}
	switch msg.Performative {
	case acl.Request:
		return acl.ProtocolRequest
	case acl.CFP:
		return acl.ProtocolContractNet
	}
	return ""
}
