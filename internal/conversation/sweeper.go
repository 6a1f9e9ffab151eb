package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the conversation expiry sweep on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper schedules fn on the given cron expression (standard 5-field
// syntax or a predefined schedule like @every 30s).
func NewSweeper(schedule string, fn func(), logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, fn); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

// Start begins the sweep schedule. Blocks until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("expiry sweeper started")

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info("expiry sweeper stopped")
	return ctx.Err()
}
