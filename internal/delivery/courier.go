package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/weft-io/weft/pkg/acl"
)

// DeadLetterer records messages that exhausted their delivery attempts.
type DeadLetterer interface {
	DeadLetter(msg acl.Message, recipient, reason string) error
}

// Courier pushes messages to agent endpoints, retrying transient failures
// with exponential backoff before dead-lettering. Each delivery runs in its
// own goroutine so a slow endpoint never stalls the router loop.
type Courier struct {
	// MaxAttempts bounds tries per message, including the first.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the retry delay.
	MaxInterval time.Duration

	deadLetters DeadLetterer
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewCourier creates a courier with the given retry policy. Zero values
// fall back to 3 attempts, 500ms initial and 10s max interval.
func NewCourier(deadLetters DeadLetterer, maxAttempts int, initial, max time.Duration, logger *slog.Logger) *Courier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Courier{
		MaxAttempts:     maxAttempts,
		InitialInterval: initial,
		MaxInterval:     max,
		deadLetters:     deadLetters,
		logger:          logger,
	}
}

// Send delivers msg to the recipient's endpoint asynchronously. Retries
// stop when ctx is cancelled; exhausted messages land in the dead-letter
// queue with reason "max_retries".
func (co *Courier) Send(ctx context.Context, recipient string, ep Endpoint, msg acl.Message) {
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		co.deliver(ctx, recipient, ep, msg)
	}()
}

func (co *Courier) deliver(ctx context.Context, recipient string, ep Endpoint, msg acl.Message) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = co.InitialInterval
	bo.MaxInterval = co.MaxInterval
	bo.RandomizationFactor = 0 // keep retry timing deterministic

	var lastErr error
	for attempt := 1; attempt <= co.MaxAttempts; attempt++ {
		if lastErr = ep.Deliver(ctx, msg); lastErr == nil {
			return
		}
		co.logger.Warn("delivery attempt failed",
			"recipient", recipient, "message", msg.ID, "attempt", attempt, "error", lastErr)
		if attempt == co.MaxAttempts {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}

	co.logger.Error("delivery exhausted, dead-lettering",
		"recipient", recipient, "message", msg.ID, "error", lastErr)
	if err := co.deadLetters.DeadLetter(msg, recipient, "max_retries"); err != nil {
		co.logger.Error("failed to record dead letter", "recipient", recipient, "error", err)
	}
}

// Wait blocks until every in-flight delivery goroutine finished, for
// shutdown and tests.
func (co *Courier) Wait() {
	co.wg.Wait()
}
