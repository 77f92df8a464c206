package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/tomyedwab/tangram/node"
	"github.com/tomyedwab/tangram/types"
)

// Config holds configuration options for the Resolver.
type Config struct {
	Node   *node.Node
	Peers  map[string]Service // Optional, keyed by remote name
	Logger *slog.Logger       // Optional, defaults to slog.Default()

	// RemoteDequeueWait bounds each remote's turn in a federated dequeue.
	RemoteDequeueWait time.Duration // Optional, defaults to 1 second
}

// Resolver implements Service on top of the local node and its peers.
// Reads race every candidate peer and keep finished results locally;
// mutations go to whichever server owns the process.
type Resolver struct {
	node   *node.Node
	peers  map[string]Service
	names  []string
	logger *slog.Logger

	remoteDequeueWait time.Duration
}

func New(config Config) (*Resolver, error) {
	if config.Node == nil {
		return nil, fmt.Errorf("Node is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(config.Peers))
	for name := range config.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	remoteDequeueWait := config.RemoteDequeueWait
	if remoteDequeueWait <= 0 {
		remoteDequeueWait = time.Second
	}
	return &Resolver{
		node:              config.Node,
		peers:             config.Peers,
		names:             names,
		logger:            logger,
		remoteDequeueWait: remoteDequeueWait,
	}, nil
}

var _ Service = (*Resolver)(nil)

// candidates returns the remotes a route may reach, in order.
func (r *Resolver) candidates(route types.Route) []string {
	if len(route.Remotes) > 0 {
		return route.Remotes
	}
	return r.names
}

func (r *Resolver) peer(name string) (Service, error) {
	peer, ok := r.peers[name]
	if !ok {
		return nil, fmt.Errorf("remote %q is not configured: %w", name, types.ErrInvalidArgument)
	}
	return peer, nil
}

// definitive reports whether a remote's error is an answer rather than a
// failure to reach it.
func definitive(err error) bool {
	return errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidTransition) ||
		errors.Is(err, types.ErrChecksumPolicy) ||
		errors.Is(err, types.ErrInvalidArgument)
}

// exhausted summarizes the errors of every candidate that was tried.
func exhausted(errs []error) error {
	if len(errs) == 0 {
		return types.ErrNotFound
	}
	for _, err := range errs {
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, errors.Join(errs...))
		}
	}
	return types.ErrNotFound
}

type raceResult[T any] struct {
	name  string
	value T
	err   error
}

// race calls every named peer concurrently and returns the first success.
func race[T any](ctx context.Context, r *Resolver, names []string, call func(ctx context.Context, peer Service) (T, error)) (T, string, error) {
	var zero T
	if len(names) == 0 {
		return zero, "", types.ErrNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult[T], len(names))
	for _, name := range names {
		go func() {
			peer, err := r.peer(name)
			if err != nil {
				results <- raceResult[T]{name: name, err: err}
				return
			}
			value, err := call(ctx, peer)
			if err != nil {
				err = fmt.Errorf("remote %s: %w", name, err)
			}
			results <- raceResult[T]{name: name, value: value, err: err}
		}()
	}

	var errs []error
	for range names {
		result := <-results
		if result.err == nil {
			return result.value, result.name, nil
		}
		errs = append(errs, result.err)
	}
	return zero, "", exhausted(errs)
}

// owner finds the server responsible for id. A nil peer means this node.
func (r *Resolver) owner(ctx context.Context, id string, route types.Route) (Service, string, error) {
	if route.AllowsLocal() {
		p, err := r.node.Get(ctx, id)
		switch {
		case err == nil && p.Remote == "":
			return nil, "", nil
		case err == nil:
			if peer, ok := r.peers[p.Remote]; ok {
				return peer, p.Remote, nil
			}
			return nil, "", fmt.Errorf("process %s is owned by unconfigured remote %q: %w", id, p.Remote, types.ErrRemoteUnavailable)
		case !errors.Is(err, types.ErrNotFound):
			return nil, "", err
		}
	}

	_, name, err := race(ctx, r, r.candidates(route), func(ctx context.Context, peer Service) (*types.Process, error) {
		return peer.Get(ctx, id, types.LocalOnly())
	})
	if err != nil {
		return nil, "", fmt.Errorf("process %s: %w", id, err)
	}
	return r.peers[name], name, nil
}

// replicate keeps a local copy of a finished remote record.
func (r *Resolver) replicate(ctx context.Context, p *types.Process, remote string) *types.Process {
	p.Remote = remote
	if !p.Status.IsFinished() {
		return p
	}
	if err := r.node.Registry().Replicate(ctx, p, remote); err != nil {
		r.logger.Warn("Failed to replicate remote process", "id", p.ID, "remote", remote, "error", err)
	}
	return p
}

func (r *Resolver) Spawn(ctx context.Context, arg types.SpawnArg, route types.Route) (*types.SpawnOutput, error) {
	if route.AllowsLocal() {
		return r.node.Spawn(ctx, arg)
	}

	var errs []error
	for _, name := range r.candidates(route) {
		peer, err := r.peer(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		output, err := peer.Spawn(ctx, arg, types.LocalOnly())
		if err == nil {
			output.Remote = name
			r.logger.Info("Spawn delegated", "id", output.ID, "remote", name)
			return output, nil
		}
		if definitive(err) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("remote %s: %w", name, err))
	}
	return nil, fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, errors.Join(errs...))
}

func (r *Resolver) Get(ctx context.Context, id string, route types.Route) (*types.Process, error) {
	if route.AllowsLocal() {
		p, err := r.node.Get(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}

	p, name, err := race(ctx, r, r.candidates(route), func(ctx context.Context, peer Service) (*types.Process, error) {
		return peer.Get(ctx, id, types.LocalOnly())
	})
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", id, err)
	}
	return r.replicate(ctx, p, name), nil
}

// List returns local processes, plus those of the remotes the route names
// explicitly or every remote when local is excluded.
func (r *Resolver) List(ctx context.Context, arg types.ListArg, route types.Route) ([]*types.Process, error) {
	var processes []*types.Process
	if route.AllowsLocal() {
		local, err := r.node.List(ctx, arg)
		if err != nil {
			return nil, err
		}
		processes = local
		if len(route.Remotes) == 0 {
			return processes, nil
		}
	}

	names := r.candidates(route)
	type listing struct {
		name      string
		processes []*types.Process
		err       error
	}
	results := make(chan listing, len(names))
	for _, name := range names {
		go func() {
			peer, err := r.peer(name)
			if err != nil {
				results <- listing{name: name, err: err}
				return
			}
			remote, err := peer.List(ctx, arg, types.LocalOnly())
			results <- listing{name: name, processes: remote, err: err}
		}()
	}

	seen := make(map[string]bool, len(processes))
	for _, p := range processes {
		seen[p.ID] = true
	}
	var errs []error
	for range names {
		result := <-results
		if result.err != nil {
			r.logger.Warn("Failed to list remote processes", "remote", result.name, "error", result.err)
			errs = append(errs, result.err)
			continue
		}
		for _, p := range result.processes {
			if !seen[p.ID] {
				seen[p.ID] = true
				p.Remote = result.name
				processes = append(processes, p)
			}
		}
	}
	if !route.AllowsLocal() && len(errs) == len(names) {
		return nil, exhausted(errs)
	}

	slices.SortFunc(processes, func(a, b *types.Process) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
	limit := arg.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(processes) > limit {
		processes = processes[:limit]
	}
	return processes, nil
}

func (r *Resolver) Enqueue(ctx context.Context, id string, route types.Route) error {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return err
	}
	if peer == nil {
		return r.node.Enqueue(ctx, id)
	}
	return peer.Enqueue(ctx, id, types.LocalOnly())
}

func (r *Resolver) Start(ctx context.Context, id string, route types.Route) error {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return err
	}
	if peer == nil {
		return r.node.Start(ctx, id)
	}
	return peer.Start(ctx, id, types.LocalOnly())
}

func (r *Resolver) Finish(ctx context.Context, id string, arg types.FinishArg, route types.Route) error {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return err
	}
	if peer == nil {
		return r.node.Finish(ctx, id, arg)
	}
	return peer.Finish(ctx, id, arg, types.LocalOnly())
}

func (r *Resolver) Touch(ctx context.Context, id string, route types.Route) error {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return err
	}
	if peer == nil {
		return r.node.Touch(ctx, id)
	}
	return peer.Touch(ctx, id, types.LocalOnly())
}

func (r *Resolver) Cancel(ctx context.Context, id, token string, route types.Route) error {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return err
	}
	if peer == nil {
		return r.node.Cancel(ctx, id, token)
	}
	return peer.Cancel(ctx, id, token, types.LocalOnly())
}

func (r *Resolver) Heartbeat(ctx context.Context, id string, route types.Route) (*types.HeartbeatOutput, error) {
	peer, _, err := r.owner(ctx, id, route)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return r.node.Heartbeat(ctx, id)
	}
	return peer.Heartbeat(ctx, id, types.LocalOnly())
}

// Dequeue blocks on the local queue when the route is local-only or
// absent. With explicit remotes, each candidate gets one bounded attempt in
// order.
func (r *Resolver) Dequeue(ctx context.Context, route types.Route) (*types.DequeueOutput, error) {
	if route.AllowsLocal() && len(route.Remotes) == 0 {
		output, err := r.node.Dequeue(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return output, err
	}

	if route.AllowsLocal() {
		output, err := r.node.TryDequeue(ctx)
		if err != nil || output != nil {
			return output, err
		}
	}

	var errs []error
	for _, name := range r.candidates(route) {
		peer, err := r.peer(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		attempt, cancel := context.WithTimeout(ctx, r.remoteDequeueWait)
		output, err := peer.Dequeue(attempt, types.LocalOnly())
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("remote %s: %w", name, err))
			continue
		}
		if output != nil {
			return output, nil
		}
	}
	if len(errs) == len(r.candidates(route)) && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, errors.Join(errs...))
	}
	return nil, nil
}

func (r *Resolver) Wait(ctx context.Context, id string, route types.Route) (*types.Process, error) {
	peer, name, err := r.owner(ctx, id, route)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return r.node.Wait(ctx, id)
	}
	p, err := peer.Wait(ctx, id, types.LocalOnly())
	if err != nil {
		return nil, err
	}
	return r.replicate(ctx, p, name), nil
}
