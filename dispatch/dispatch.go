// Package dispatch hands enqueued processes to workers. Waiting callers are
// woken by created notifications and by a periodic tick, and every wake-up
// runs one atomic claim against the registry.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomyedwab/tangram/bus"
)

const (
	defaultLease    = 60 * time.Second
	defaultInterval = 10 * time.Second
)

// Claimer runs a single claim. An empty id means nothing was claimable.
type Claimer interface {
	Dequeue(ctx context.Context, lease time.Duration) (string, error)
}

// Config holds configuration options for the Dispatcher.
type Config struct {
	Claimer  Claimer
	Bus      bus.Bus
	Logger   *slog.Logger  // Optional, defaults to slog.Default()
	Lease    time.Duration // Optional, defaults to 60s
	Interval time.Duration // Optional, safety-net tick, defaults to 10s
}

type Dispatcher struct {
	claimer  Claimer
	bus      bus.Bus
	logger   *slog.Logger
	lease    time.Duration
	interval time.Duration
}

func New(config Config) (*Dispatcher, error) {
	if config.Claimer == nil {
		return nil, fmt.Errorf("Claimer is required")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("Bus is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := config.Lease
	if lease == 0 {
		lease = defaultLease
	}
	interval := config.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Dispatcher{
		claimer:  config.Claimer,
		bus:      config.Bus,
		logger:   logger,
		lease:    lease,
		interval: interval,
	}, nil
}

// Lease is how long a claim stays exclusive without a heartbeat.
func (d *Dispatcher) Lease() time.Duration {
	return d.lease
}

// TryDequeue runs one claim cycle. Losing the race to another worker is not
// an error; it returns "".
func (d *Dispatcher) TryDequeue(ctx context.Context) (string, error) {
	return d.claimer.Dequeue(ctx, d.lease)
}

// Dequeue blocks until a process is claimed or ctx is done.
func (d *Dispatcher) Dequeue(ctx context.Context) (string, error) {
	// Each waiting caller is its own group member, so a single created
	// notification wakes a single waiter.
	sub, err := d.bus.Subscribe(bus.TopicCreated, bus.InGroup(bus.GroupDispatch), bus.WithBuffer(1))
	if err != nil {
		return "", fmt.Errorf("subscribing to %s: %w", bus.TopicCreated, err)
	}
	defer sub.Close()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	notifications := sub.C
	for {
		id, err := d.TryDequeue(ctx)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case _, ok := <-notifications:
			if !ok {
				// Bus closed. Keep going on the tick alone.
				d.logger.Warn("Dispatch subscription closed, falling back to polling")
				notifications = nil
			}
		case <-ticker.C:
		}
	}
}
