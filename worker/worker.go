// Package worker claims processes from a server and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/liveness"
	"github.com/tomyedwab/tangram/types"
)

// Config holds configuration options for the Worker.
type Config struct {
	Service federation.Service
	Runner  Runner
	Logger  *slog.Logger // Optional, defaults to slog.Default()

	Concurrency       int           // Optional, parallel processes, defaults to 1
	HeartbeatInterval time.Duration // Optional, defaults to 10s
	DequeueWait       time.Duration // Optional, long poll per dequeue, defaults to 30s
	Route             types.Route   // Optional, where to claim work from
}

// Worker runs a bounded pool of dequeue → start → run → finish loops.
type Worker struct {
	service           federation.Service
	runner            Runner
	logger            *slog.Logger
	concurrency       int
	heartbeatInterval time.Duration
	dequeueWait       time.Duration
	route             types.Route
}

func New(config Config) (*Worker, error) {
	if config.Service == nil {
		return nil, fmt.Errorf("Service is required")
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		service:           config.Service,
		runner:            config.Runner,
		logger:            logger,
		concurrency:       config.Concurrency,
		heartbeatInterval: config.HeartbeatInterval,
		dequeueWait:       config.DequeueWait,
		route:             config.Route,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	if w.dequeueWait <= 0 {
		w.dequeueWait = 30 * time.Second
	}
	return w, nil
}

// Run processes work until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for slot := range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, w.logger.With("slot", slot))
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context, logger *slog.Logger) {
	for ctx.Err() == nil {
		claimed, err := w.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if claimed == nil {
			continue
		}
		w.Execute(ctx, claimed.ID)
	}
}

func (w *Worker) dequeue(ctx context.Context) (*types.DequeueOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, w.dequeueWait)
	defer cancel()
	return w.service.Dequeue(ctx, w.route)
}

// serviceBeater heartbeats through the Service.
type serviceBeater struct {
	service federation.Service
}

func (b serviceBeater) Heartbeat(ctx context.Context, id string) (bool, error) {
	output, err := b.service.Heartbeat(ctx, id, types.Route{})
	if err != nil {
		return false, err
	}
	return output.Stop, nil
}

// Execute runs one claimed process to completion. Losing a start or finish
// to another party is logged, not returned.
func (w *Worker) Execute(ctx context.Context, id string) {
	logger := w.logger.With("id", id)

	if err := w.service.Start(ctx, id, types.Route{}); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			logger.Info("Process already started or finished elsewhere")
		} else {
			logger.Error("Failed to start process", "error", err)
		}
		return
	}
	p, err := w.service.Get(ctx, id, types.Route{})
	if err != nil {
		logger.Error("Failed to load process", "error", err)
		return
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	heartbeater := &liveness.Heartbeater{
		Beater:   serviceBeater{service: w.service},
		Interval: w.heartbeatInterval,
		Logger:   logger,
	}
	go func() {
		if heartbeater.Run(runCtx, id) {
			stop()
		}
	}()

	var outcome types.FinishArg
	streams, closeStreams, err := openStreams(runCtx, w.service, p)
	if err != nil {
		outcome = runtimeError("%v", err)
	} else {
		outcome = w.runner.Run(runCtx, p, streams)
		if err := closeStreams(); err != nil {
			logger.Warn("Failed to flush process output", "error", err)
		}
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		logger.Info("Process stopped by the server")
		return
	}
	if err := w.service.Finish(ctx, id, outcome, types.Route{}); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			logger.Info("Process was finished elsewhere")
			return
		}
		logger.Error("Failed to finish process", "error", err)
		return
	}
	if outcome.Exit != nil {
		logger = logger.With("exit", *outcome.Exit)
	}
	if outcome.Error != nil {
		logger = logger.With("error", outcome.Error)
	}
	logger.Info("Process finished")
}
