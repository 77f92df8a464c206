package liveness

import (
	"context"
	"log/slog"
	"time"
)

// Beater sends one heartbeat and reports whether to stop.
type Beater interface {
	Heartbeat(ctx context.Context, id string) (bool, error)
}

// Heartbeater is the worker side of liveness: it keeps a claimed process
// alive until the server says otherwise.
type Heartbeater struct {
	Beater   Beater
	Interval time.Duration
	Logger   *slog.Logger
}

// Run heartbeats id every Interval. It returns true as soon as the server
// answers stop, and false when ctx is done. Failed heartbeats are logged
// and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context, id string) bool {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := h.Interval
	if interval <= 0 {
		interval = defaultTimeout / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stop, err := h.Beater.Heartbeat(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.Warn("Heartbeat failed", "id", id, "error", err)
		} else if stop {
			logger.Info("Server asked worker to stop", "id", id)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
