package registry

import (
	"context"
	"time"

	"github.com/tomyedwab/tangram/types"
)

// Store is the persistence capability behind the Registry. One backend is
// chosen at startup; every conditional update reports whether it touched a
// row so the Registry can distinguish a lost race from success.
type Store interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error

	// Insert persists a new process together with its first token hash.
	// An empty tokenHash inserts no token.
	Insert(ctx context.Context, p *types.Process, tokenHash string) error

	// Replicate stores a copy of a record owned elsewhere, keeping any
	// existing local row.
	Replicate(ctx context.Context, p *types.Process) error

	// Get returns types.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*types.Process, error)
	List(ctx context.Context, arg types.ListArg) ([]*types.Process, error)

	// FindReusable returns the newest cacheable process with the same
	// command that is either unfinished or finished successfully.
	FindReusable(ctx context.Context, command, host, checksum string) (*types.Process, error)

	AddToken(ctx context.Context, id, tokenHash string) (bool, error)
	DeleteToken(ctx context.Context, id, tokenHash string) (bool, error)
	AddChild(ctx context.Context, parent, child string) (bool, error)

	Enqueue(ctx context.Context, id string, now time.Time) (bool, error)
	Start(ctx context.Context, id string, now time.Time) (bool, error)
	Finish(ctx context.Context, id string, arg types.FinishArg, now time.Time) (bool, error)
	Touch(ctx context.Context, id string, now time.Time) (bool, error)

	// Dequeue claims one process and returns its id, or "" when nothing is
	// claimable.
	Dequeue(ctx context.Context, now time.Time, lease time.Duration) (string, error)

	// Heartbeat records liveness and returns the status after the update.
	Heartbeat(ctx context.Context, id string, now time.Time) (types.ProcessStatus, error)

	// Stale lists started processes whose last heartbeat is before cutoff.
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Unwanted lists unfinished local processes with no tokens left.
	Unwanted(ctx context.Context, limit int) ([]string, error)

	Close() error
}

const defaultListLimit = 100

func listLimit(arg types.ListArg) int64 {
	if arg.Limit <= 0 {
		return defaultListLimit
	}
	return int64(arg.Limit)
}
