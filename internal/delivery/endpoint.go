package delivery

import (
	"context"
	"fmt"

	"github.com/weft-io/weft/pkg/acl"
)

// Endpoint is one agent's attachment point. Implementations must be safe
// for concurrent Deliver calls.
type Endpoint interface {
	Deliver(ctx context.Context, msg acl.Message) error
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context, msg acl.Message) error

func (f EndpointFunc) Deliver(ctx context.Context, msg acl.Message) error { return f(ctx, msg) }

// ChanEndpoint delivers into a buffered channel, for in-process agents and
// tests. Delivery never blocks; a full inbox is a delivery error so the
// courier's retry policy applies.
type ChanEndpoint struct {
	C chan acl.Message
}

// NewChanEndpoint creates a channel endpoint with the given inbox capacity.
func NewChanEndpoint(capacity int) *ChanEndpoint {
	return &ChanEndpoint{C: make(chan acl.Message, capacity)}
}

func (e *ChanEndpoint) Deliver(ctx context.Context, msg acl.Message) error {
	select {
	case e.C <- msg:
		return nil
	default:
		return fmt.Errorf("delivery: inbox full")
	}
}
