// Package registry owns process records and the status state machine.
// Every transition is a conditional update in the Store, so concurrent
// callers racing on the same process see exactly one winner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomyedwab/tangram/bus"
	"github.com/tomyedwab/tangram/types"
)

const waitPollInterval = 5 * time.Second

// Config holds the Registry's collaborators.
type Config struct {
	Store  Store
	Bus    bus.Bus
	Logger *slog.Logger     // Optional, defaults to slog.Default()
	Now    func() time.Time // Optional, defaults to time.Now
}

// Registry is the per-server process registry.
type Registry struct {
	store  Store
	bus    bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Registry. The store must already be initialized.
func New(config Config) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("Bus is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:  config.Store,
		bus:    config.Bus,
		logger: logger,
		now:    now,
	}, nil
}

// Now returns the registry clock reading in UTC.
func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

func validateSpawn(arg types.SpawnArg) error {
	if arg.Command == "" {
		return fmt.Errorf("command is required: %w", types.ErrInvalidArgument)
	}
	if arg.Host == "" {
		return fmt.Errorf("host is required: %w", types.ErrInvalidArgument)
	}
	if arg.Network && arg.Checksum == "" {
		return fmt.Errorf("command %s: %w", arg.Command, types.ErrChecksumPolicy)
	}
	for name, stdio := range map[string]*types.Stdio{"stdin": arg.Stdin, "stdout": arg.Stdout, "stderr": arg.Stderr} {
		if stdio == nil {
			continue
		}
		switch stdio.Kind {
		case types.StdioPipe, types.StdioPty:
			if stdio.ID == "" {
				return fmt.Errorf("%s %s requires an id: %w", name, stdio.Kind, types.ErrInvalidArgument)
			}
		case types.StdioBlob:
			if name != "stdin" {
				return fmt.Errorf("%s cannot be a blob: %w", name, types.ErrInvalidArgument)
			}
		default:
			return fmt.Errorf("%s has unknown kind %q: %w", name, stdio.Kind, types.ErrInvalidArgument)
		}
	}
	return nil
}

// Create validates and persists a new process and hands back its id with a
// fresh cancellation token. Nothing is written when validation fails.
func (r *Registry) Create(ctx context.Context, arg types.SpawnArg) (*types.SpawnOutput, error) {
	if err := validateSpawn(arg); err != nil {
		return nil, err
	}

	if arg.Parent != "" {
		parent, err := r.store.Get(ctx, arg.Parent)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		if parent.Status.IsFinished() {
			return nil, fmt.Errorf("parent %s is finished: %w", arg.Parent, types.ErrInvalidTransition)
		}
	}

	if arg.Cacheable {
		output, err := r.reuse(ctx, arg)
		if err != nil {
			return nil, err
		}
		if output != nil {
			r.linkChild(ctx, arg.Parent, output.ID)
			return output, nil
		}
	}

	token, err := NewToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	id := types.NewProcessID()

	now := r.Now()
	p := &types.Process{
		ID:         id,
		Status:     types.StatusEnqueued,
		Host:       arg.Host,
		Command:    arg.Command,
		Checksum:   arg.Checksum,
		Cacheable:  arg.Cacheable,
		Retry:      arg.Retry,
		Network:    arg.Network,
		Mounts:     arg.Mounts,
		Stdin:      arg.Stdin,
		Stdout:     arg.Stdout,
		Stderr:     arg.Stderr,
		CreatedAt:  now,
		EnqueuedAt: &now,
		TokenCount: 1,
	}
	if arg.Hold {
		p.Status = types.StatusCreated
		p.EnqueuedAt = nil
	}

	if err := r.store.Insert(ctx, p, HashToken(token)); err != nil {
		return nil, fmt.Errorf("creating process: %w", err)
	}
	r.logger.Info("Process created", "id", id, "command", arg.Command, "status", p.Status)

	r.linkChild(ctx, arg.Parent, id)
	if p.Status == types.StatusEnqueued {
		r.announceEnqueued(ctx, id)
	}
	bus.PublishStatus(ctx, r.bus, r.logger, id, p.Status)

	return &types.SpawnOutput{ID: id, Token: token}, nil
}

// reuse looks for a cacheable process with the same command. A finished one
// is returned without a token; an unfinished one gains a new token. A nil
// output means a new process must be created.
func (r *Registry) reuse(ctx context.Context, arg types.SpawnArg) (*types.SpawnOutput, error) {
	existing, err := r.store.FindReusable(ctx, arg.Command, arg.Host, arg.Checksum)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up cached process: %w", err)
	}
	if existing.Status.IsFinished() {
		r.logger.Debug("Reusing finished process", "id", existing.ID, "command", arg.Command)
		return &types.SpawnOutput{ID: existing.ID}, nil
	}

	token, err := r.IssueToken(ctx, existing.ID)
	if errors.Is(err, types.ErrInvalidTransition) {
		// Finished between the lookup and the token insert.
		p, err := r.store.Get(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if p.Succeeded() {
			return &types.SpawnOutput{ID: p.ID}, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Reusing running process", "id", existing.ID, "command", arg.Command)
	return &types.SpawnOutput{ID: existing.ID, Token: token}, nil
}

func (r *Registry) linkChild(ctx context.Context, parent, child string) {
	if parent == "" {
		return
	}
	ok, err := r.store.AddChild(ctx, parent, child)
	if err != nil {
		r.logger.Error("Failed to record child process", "parent", parent, "child", child, "error", err)
		return
	}
	if !ok {
		r.logger.Warn("Parent finished before child was recorded", "parent", parent, "child", child)
	}
}

func (r *Registry) announceEnqueued(ctx context.Context, id string) {
	if err := bus.PublishProcess(ctx, r.bus, bus.TopicCreated, id); err != nil {
		r.logger.Warn("Failed to publish created notification", "id", id, "error", err)
	}
}

// IssueToken adds a new cancellation token to an unfinished process.
func (r *Registry) IssueToken(ctx context.Context, id string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	ok, err := r.store.AddToken(ctx, id, HashToken(token))
	if err != nil {
		return "", fmt.Errorf("adding token to %s: %w", id, err)
	}
	if !ok {
		return "", r.transitionError(ctx, id, "add a token")
	}
	return token, nil
}

// RevokeToken removes a token. It reports false when the process does not
// hold that token.
func (r *Registry) RevokeToken(ctx context.Context, id, token string) (bool, error) {
	ok, err := r.store.DeleteToken(ctx, id, HashToken(token))
	if err != nil {
		return false, fmt.Errorf("revoking token of %s: %w", id, err)
	}
	return ok, nil
}

// Enqueue moves a held process into the work queue.
func (r *Registry) Enqueue(ctx context.Context, id string) error {
	ok, err := r.store.Enqueue(ctx, id, r.Now())
	if err != nil {
		return fmt.Errorf("enqueuing %s: %w", id, err)
	}
	if !ok {
		return r.transitionError(ctx, id, "enqueue")
	}
	r.announceEnqueued(ctx, id)
	bus.PublishStatus(ctx, r.bus, r.logger, id, types.StatusEnqueued)
	return nil
}

// Start marks a process as running. Only one caller can win.
func (r *Registry) Start(ctx context.Context, id string) error {
	ok, err := r.store.Start(ctx, id, r.Now())
	if err != nil {
		return fmt.Errorf("starting %s: %w", id, err)
	}
	if !ok {
		return r.transitionError(ctx, id, "start")
	}
	r.logger.Info("Process started", "id", id)
	bus.PublishStatus(ctx, r.bus, r.logger, id, types.StatusStarted)
	return nil
}

// Finish records the outcome of a started process.
func (r *Registry) Finish(ctx context.Context, id string, arg types.FinishArg) error {
	ok, err := r.store.Finish(ctx, id, arg, r.Now())
	if err != nil {
		return fmt.Errorf("finishing %s: %w", id, err)
	}
	if !ok {
		return r.transitionError(ctx, id, "finish")
	}
	attrs := []any{"id", id}
	if arg.Exit != nil {
		attrs = append(attrs, "exit", *arg.Exit)
	}
	if arg.Error != nil {
		attrs = append(attrs, "error", arg.Error.Code)
	}
	r.logger.Info("Process finished", attrs...)
	bus.PublishStatus(ctx, r.bus, r.logger, id, types.StatusFinished)
	return nil
}

// Touch extends a process's retention. It has no effect on liveness.
func (r *Registry) Touch(ctx context.Context, id string) error {
	ok, err := r.store.Touch(ctx, id, r.Now())
	if err != nil {
		return fmt.Errorf("touching %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("process %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*types.Process, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, arg types.ListArg) ([]*types.Process, error) {
	if arg.Status != "" && !arg.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", arg.Status, types.ErrInvalidArgument)
	}
	return r.store.List(ctx, arg)
}

// Replicate keeps a local copy of a finished record owned by remote.
func (r *Registry) Replicate(ctx context.Context, p *types.Process, remote string) error {
	if !p.Status.IsFinished() {
		return fmt.Errorf("only finished processes are replicated: %w", types.ErrInvalidArgument)
	}
	replica := *p
	replica.Remote = remote
	replica.TokenCount = 0
	if err := r.store.Replicate(ctx, &replica); err != nil {
		return fmt.Errorf("replicating %s: %w", p.ID, err)
	}
	return nil
}

// Dequeue runs one claim. It returns "" when nothing could be claimed.
func (r *Registry) Dequeue(ctx context.Context, lease time.Duration) (string, error) {
	id, err := r.store.Dequeue(ctx, r.Now(), lease)
	if err != nil {
		return "", fmt.Errorf("dequeuing: %w", err)
	}
	if id != "" {
		r.logger.Debug("Process dequeued", "id", id)
		bus.PublishStatus(ctx, r.bus, r.logger, id, types.StatusDequeued)
	}
	return id, nil
}

// Heartbeat records liveness for id and returns its current status.
func (r *Registry) Heartbeat(ctx context.Context, id string) (types.ProcessStatus, error) {
	return r.store.Heartbeat(ctx, id, r.Now())
}

// Unwanted lists unfinished local processes whose tokens are all gone.
func (r *Registry) Unwanted(ctx context.Context, limit int) ([]string, error) {
	return r.store.Unwanted(ctx, limit)
}

// Stale lists started processes that have not heartbeated since cutoff.
func (r *Registry) Stale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return r.store.Stale(ctx, cutoff, limit)
}

// Wait blocks until the process is finished and returns its final record.
func (r *Registry) Wait(ctx context.Context, id string) (*types.Process, error) {
	sub, err := r.bus.Subscribe(bus.StatusTopic(id))
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	// Status messages can be dropped, so poll as a fallback.
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		p, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status.IsFinished() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return nil, bus.ErrClosed
			}
		case <-ticker.C:
		}
	}
}

// transitionError explains why a conditional update touched no row.
func (r *Registry) transitionError(ctx context.Context, id, op string) error {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("process %s: cannot %s from %s: %w", id, op, p.Status, types.ErrInvalidTransition)
}
