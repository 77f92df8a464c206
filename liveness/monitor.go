// Package liveness tracks whether claimed and running processes still have
// a worker behind them.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomyedwab/tangram/types"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
	defaultSweepBatch    = 100
)

// Recorder is the registry surface the monitor needs.
type Recorder interface {
	Heartbeat(ctx context.Context, id string) (types.ProcessStatus, error)
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Now() time.Time
}

// Abandoner finishes a process on the monitor's behalf.
type Abandoner interface {
	Abandon(ctx context.Context, id string, code types.ErrorCode) error
}

// Config holds configuration options for the Monitor.
type Config struct {
	Recorder  Recorder
	Abandoner Abandoner
	Logger    *slog.Logger  // Optional, defaults to slog.Default()
	Timeout   time.Duration // Optional, heartbeat deadline, defaults to 30s
	Interval  time.Duration // Optional, sweep period, defaults to 10s
	BatchSize int           // Optional, processes per sweep, defaults to 100
}

// Monitor answers heartbeats and abandons started processes that stop
// sending them.
type Monitor struct {
	recorder  Recorder
	abandoner Abandoner
	logger    *slog.Logger
	timeout   time.Duration
	interval  time.Duration
	batchSize int
}

func NewMonitor(config Config) (*Monitor, error) {
	if config.Recorder == nil {
		return nil, fmt.Errorf("Recorder is required")
	}
	if config.Abandoner == nil {
		return nil, fmt.Errorf("Abandoner is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := config.Interval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = defaultSweepBatch
	}
	return &Monitor{
		recorder:  config.Recorder,
		abandoner: config.Abandoner,
		logger:    logger,
		timeout:   timeout,
		interval:  interval,
		batchSize: batchSize,
	}, nil
}

// Heartbeat records liveness for id. stop is true once the process is no
// longer claimed or running, which tells the worker to give up on it.
func (m *Monitor) Heartbeat(ctx context.Context, id string) (bool, error) {
	status, err := m.recorder.Heartbeat(ctx, id)
	if err != nil {
		return false, err
	}
	switch status {
	case types.StatusStarted, types.StatusDequeued:
		return false, nil
	default:
		return true, nil
	}
}

// Sweep abandons every started process whose last heartbeat is older than
// the timeout. It returns how many were abandoned.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	cutoff := m.recorder.Now().Add(-m.timeout)
	ids, err := m.recorder.Stale(ctx, cutoff, m.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale processes: %w", err)
	}

	abandoned := 0
	for _, id := range ids {
		err := m.abandoner.Abandon(ctx, id, types.CodeHeartbeatExpired)
		switch {
		case err == nil:
			abandoned++
			m.logger.Warn("Abandoned process with expired heartbeat", "id", id, "cutoff", cutoff)
		case errors.Is(err, types.ErrInvalidTransition):
			// Finished between the scan and the update.
		default:
			m.logger.Error("Failed to abandon process", "id", id, "error", err)
		}
	}
	return abandoned, nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Liveness monitor started", "timeout", m.timeout, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("Liveness sweep failed", "error", err)
			}
		}
	}
}
