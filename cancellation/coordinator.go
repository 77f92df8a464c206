// Package cancellation implements cooperative cancellation. Every spawner
// holds a token; a process is canceled once the last token is given up.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomyedwab/tangram/bus"
	"github.com/tomyedwab/tangram/types"
)

// Registry is the registry surface the coordinator needs.
type Registry interface {
	Get(ctx context.Context, id string) (*types.Process, error)
	RevokeToken(ctx context.Context, id, token string) (bool, error)
	Start(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, arg types.FinishArg) error
	Unwanted(ctx context.Context, limit int) ([]string, error)
}

const (
	defaultSweepInterval = 10 * time.Second
	defaultSweepBatch    = 100
)

// Config holds configuration options for the Coordinator.
type Config struct {
	Registry Registry
	Bus      bus.Bus
	Logger    *slog.Logger  // Optional, defaults to slog.Default()
	Interval  time.Duration // Optional, sweep period, defaults to 10s
	BatchSize int           // Optional, processes per sweep, defaults to 100
}

type Coordinator struct {
	registry  Registry
	bus       bus.Bus
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func New(config Config) (*Coordinator, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("Bus is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := config.Interval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = defaultSweepBatch
	}
	return &Coordinator{
		registry:  config.Registry,
		bus:       config.Bus,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}, nil
}

// Cancel gives up one token on a process. An unknown token is a no-op. The
// watchdog is notified on every attempt so the reconciler re-evaluates.
func (c *Coordinator) Cancel(ctx context.Context, id, token string) error {
	if _, err := c.registry.Get(ctx, id); err != nil {
		return err
	}
	defer c.notify(ctx, id)

	revoked, err := c.registry.RevokeToken(ctx, id, token)
	if err != nil {
		return err
	}
	if revoked {
		c.logger.Info("Cancellation token revoked", "id", id)
	} else {
		c.logger.Debug("Ignoring unknown cancellation token", "id", id)
	}
	return nil
}

func (c *Coordinator) notify(ctx context.Context, id string) {
	if err := bus.PublishProcess(ctx, c.bus, bus.TopicWatchdog, id); err != nil {
		c.logger.Warn("Failed to publish watchdog notification", "id", id, "error", err)
	}
}

// Reconcile cancels id if it is unfinished and no tokens remain.
func (c *Coordinator) Reconcile(ctx context.Context, id string) error {
	p, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status.IsFinished() || p.TokenCount > 0 {
		return nil
	}
	err = c.Abandon(ctx, id, types.CodeCanceled)
	if errors.Is(err, types.ErrInvalidTransition) {
		// Someone else finished it first.
		return nil
	}
	return err
}

// Abandon drives an unfinished process to finished with an error outcome,
// starting it first when no worker ever did.
func (c *Coordinator) Abandon(ctx context.Context, id string, code types.ErrorCode) error {
	p, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status.IsFinished() {
		return fmt.Errorf("process %s is already finished: %w", id, types.ErrInvalidTransition)
	}
	if p.Status != types.StatusStarted {
		if err := c.registry.Start(ctx, id); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
			return err
		}
	}

	message := "the process was canceled"
	if code == types.CodeHeartbeatExpired {
		message = "the process stopped sending heartbeats"
	}
	if err := c.registry.Finish(ctx, id, types.FinishArg{Error: types.NewError(code, "%s", message)}); err != nil {
		return err
	}
	c.logger.Info("Process abandoned", "id", id, "code", code)
	return nil
}

// Sweep reconciles unfinished processes that have no tokens left. It covers
// watchdog notifications the bus dropped, and returns how many it canceled.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ids, err := c.registry.Unwanted(ctx, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unwanted processes: %w", err)
	}
	canceled := 0
	for _, id := range ids {
		if err := c.Reconcile(ctx, id); err != nil {
			if ctx.Err() != nil {
				return canceled, ctx.Err()
			}
			c.logger.Error("Failed to reconcile process", "id", id, "error", err)
			continue
		}
		canceled++
	}
	if canceled > 0 {
		c.logger.Info("Canceled processes missed by the watchdog", "count", canceled)
	}
	return canceled, nil
}

// Run reconciles every watchdog notification until ctx is done, and sweeps
// for zero-token processes every interval. Several coordinators may run
// against the same bus; each notification goes to one.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(bus.TopicWatchdog, bus.InGroup(bus.GroupWatchdog))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", bus.TopicWatchdog, err)
	}
	defer sub.Close()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("Cancellation reconciler started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cancellation reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Cancellation sweep failed", "error", err)
			}
		case msg, ok := <-sub.C:
			if !ok {
				return bus.ErrClosed
			}
			var watchdog bus.ProcessMessage
			if err := bus.Decode(msg.Payload, &watchdog); err != nil {
				c.logger.Error("Dropping malformed watchdog message", "error", err)
				continue
			}
			if err := c.Reconcile(ctx, watchdog.ID); err != nil {
				c.logger.Error("Failed to reconcile process", "id", watchdog.ID, "error", err)
			}
		}
	}
}
