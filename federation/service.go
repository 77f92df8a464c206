// Package federation routes every operation to the server that can answer
// it: this node, or one of the configured peers.
package federation

import (
	"context"

	"github.com/tomyedwab/tangram/types"
)

// Service is the full operation surface of a server. The Resolver serves
// it over the local node and its peers; client.Client serves it over HTTP.
type Service interface {
	Spawn(ctx context.Context, arg types.SpawnArg, route types.Route) (*types.SpawnOutput, error)
	Get(ctx context.Context, id string, route types.Route) (*types.Process, error)
	List(ctx context.Context, arg types.ListArg, route types.Route) ([]*types.Process, error)
	Enqueue(ctx context.Context, id string, route types.Route) error
	Start(ctx context.Context, id string, route types.Route) error
	Finish(ctx context.Context, id string, arg types.FinishArg, route types.Route) error
	Touch(ctx context.Context, id string, route types.Route) error
	Cancel(ctx context.Context, id, token string, route types.Route) error
	Heartbeat(ctx context.Context, id string, route types.Route) (*types.HeartbeatOutput, error)
	// Dequeue returns a nil output when nothing was claimed before ctx
	// ended.
	Dequeue(ctx context.Context, route types.Route) (*types.DequeueOutput, error)
	Wait(ctx context.Context, id string, route types.Route) (*types.Process, error)

	CreatePipe(ctx context.Context, remote string) (*types.PipeOutput, error)
	ClosePipe(ctx context.Context, id, remote string) error
	DeletePipe(ctx context.Context, id, remote string) error
	WritePipe(ctx context.Context, id string, events <-chan types.Event, remote string) error
	ReadPipe(ctx context.Context, id, remote string) (<-chan types.Event, error)

	CreatePty(ctx context.Context, arg types.PtyArg, remote string) (*types.PtyOutput, error)
	GetPtySize(ctx context.Context, id, remote string) (*types.WindowSize, error)
	SetPtySize(ctx context.Context, id string, size types.WindowSize, remote string) error
	ClosePty(ctx context.Context, id, remote string) error
	DeletePty(ctx context.Context, id, remote string) error
	WritePty(ctx context.Context, id string, master bool, events <-chan types.Event, remote string) error
	ReadPty(ctx context.Context, id string, master bool, remote string) (<-chan types.Event, error)
}
