package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const triggerBatch = 20

type pinger interface {
	Ping(ctx context.Context) error
}

// RunDispatch runs the job dispatch loop and the scheduled-campaign trigger
// until ctx is cancelled. An unreachable job store is fatal.
func (c *Container) RunDispatch(ctx context.Context) error {
	b := c.Broadcast()
	if p, ok := b.Store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("job store unavailable: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return c.runTrigger(gctx, c.Config.Broadcast.TriggerInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Container) runTrigger(ctx context.Context, interval time.Duration) error {
	svc := c.Services().Campaign
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started, err := svc.StartDueScheduled(ctx, triggerBatch)
		if err != nil {
			c.Logger.Error("trigger: start scheduled campaigns", zap.Error(err))
		} else if started > 0 {
			c.Logger.Info("trigger: started scheduled campaigns", zap.Int("count", started))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
