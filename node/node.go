// Package node assembles the orchestration components of a single server
// and exposes its local operations.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/tangram/bus"
	"github.com/tomyedwab/tangram/cancellation"
	"github.com/tomyedwab/tangram/dispatch"
	"github.com/tomyedwab/tangram/liveness"
	"github.com/tomyedwab/tangram/registry"
	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

// Config holds configuration options for a Node.
type Config struct {
	Store  registry.Store
	Bus    bus.Bus      // Optional, defaults to an in-memory bus
	Logger *slog.Logger // Optional, defaults to slog.Default()

	Lease            time.Duration // Optional, see dispatch.Config
	DispatchInterval time.Duration // Optional, see dispatch.Config
	HeartbeatTimeout time.Duration // Optional, see liveness.Config
	SweepInterval    time.Duration // Optional, shared by the liveness and cancellation sweeps

	Now func() time.Time // Optional, defaults to time.Now
}

// Node is one server's registry, dispatcher, liveness monitor,
// cancellation coordinator and stdio manager.
type Node struct {
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	monitor     *liveness.Monitor
	coordinator *cancellation.Coordinator
	stdio       *stdio.Manager
	bus         bus.Bus
	logger      *slog.Logger

	ownBus *bus.Memory
}

func New(config Config) (*Node, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{logger: logger, bus: config.Bus}
	if n.bus == nil {
		n.ownBus = bus.NewMemory(logger.With("component", "bus"))
		n.bus = n.ownBus
	}

	var err error
	n.registry, err = registry.New(registry.Config{
		Store:  config.Store,
		Bus:    n.bus,
		Logger: logger.With("component", "registry"),
		Now:    config.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}
	n.dispatcher, err = dispatch.New(dispatch.Config{
		Claimer:  n.registry,
		Bus:      n.bus,
		Logger:   logger.With("component", "dispatch"),
		Lease:    config.Lease,
		Interval: config.DispatchInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	n.coordinator, err = cancellation.New(cancellation.Config{
		Registry: n.registry,
		Bus:      n.bus,
		Logger:   logger.With("component", "cancellation"),
		Interval: config.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cancellation coordinator: %w", err)
	}
	n.monitor, err = liveness.NewMonitor(liveness.Config{
		Recorder:  n.registry,
		Abandoner: n.coordinator,
		Logger:    logger.With("component", "liveness"),
		Timeout:   config.HeartbeatTimeout,
		Interval:  config.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating liveness monitor: %w", err)
	}
	n.stdio = stdio.NewManager(logger.With("component", "stdio"))
	return n, nil
}

// Run drives the background loops until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("Node started", "lease", n.dispatcher.Lease())
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, loop := range []func(context.Context) error{n.monitor.Run, n.coordinator.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return errors.Join(collect(errs)...)
}

func collect(errs <-chan error) []error {
	var out []error
	for err := range errs {
		out = append(out, err)
	}
	return out
}

// Close releases stdio channels and the node's own bus.
func (n *Node) Close() {
	n.stdio.Close()
	if n.ownBus != nil {
		n.ownBus.Close()
	}
}

func (n *Node) Registry() *registry.Registry { return n.registry }
func (n *Node) Stdio() *stdio.Manager         { return n.stdio }
func (n *Node) Bus() bus.Bus                  { return n.bus }

func (n *Node) Spawn(ctx context.Context, arg types.SpawnArg) (*types.SpawnOutput, error) {
	return n.registry.Create(ctx, arg)
}

func (n *Node) Get(ctx context.Context, id string) (*types.Process, error) {
	return n.registry.Get(ctx, id)
}

func (n *Node) List(ctx context.Context, arg types.ListArg) ([]*types.Process, error) {
	return n.registry.List(ctx, arg)
}

func (n *Node) Enqueue(ctx context.Context, id string) error {
	return n.registry.Enqueue(ctx, id)
}

func (n *Node) Start(ctx context.Context, id string) error {
	return n.registry.Start(ctx, id)
}

func (n *Node) Finish(ctx context.Context, id string, arg types.FinishArg) error {
	return n.registry.Finish(ctx, id, arg)
}

func (n *Node) Touch(ctx context.Context, id string) error {
	return n.registry.Touch(ctx, id)
}

func (n *Node) Cancel(ctx context.Context, id, token string) error {
	return n.coordinator.Cancel(ctx, id, token)
}

func (n *Node) Heartbeat(ctx context.Context, id string) (*types.HeartbeatOutput, error) {
	stop, err := n.monitor.Heartbeat(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.HeartbeatOutput{Stop: stop}, nil
}

// Dequeue blocks until a process is claimed or ctx is done.
func (n *Node) Dequeue(ctx context.Context) (*types.DequeueOutput, error) {
	id, err := n.dispatcher.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return &types.DequeueOutput{ID: id}, nil
}

// TryDequeue runs a single claim; a nil output means nothing was claimable.
func (n *Node) TryDequeue(ctx context.Context) (*types.DequeueOutput, error) {
	id, err := n.dispatcher.TryDequeue(ctx)
	if err != nil || id == "" {
		return nil, err
	}
	return &types.DequeueOutput{ID: id}, nil
}

func (n *Node) Wait(ctx context.Context, id string) (*types.Process, error) {
	return n.registry.Wait(ctx, id)
}

// WatchStatus streams status changes of one process until it finishes or
// ctx is done. The current status is always sent first.
func (n *Node) WatchStatus(ctx context.Context, id string) (<-chan types.StatusUpdate, error) {
	sub, err := n.bus.Subscribe(bus.StatusTopic(id))
	if err != nil {
		return nil, err
	}
	p, err := n.registry.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan types.StatusUpdate, 1)
	out <- types.StatusUpdate{ID: id, Status: p.Status}
	if p.Status.IsFinished() {
		sub.Close()
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				var status bus.StatusMessage
				if err := bus.Decode(msg.Payload, &status); err != nil {
					n.logger.Warn("Dropping malformed status message", "id", id, "error", err)
					continue
				}
				select {
				case out <- types.StatusUpdate{ID: status.ID, Status: status.Status}:
				case <-ctx.Done():
					return
				}
				if status.Status.IsFinished() {
					return
				}
			}
		}
	}()
	return out, nil
}
