package federation

import (
	"context"
	"fmt"

	"github.com/tomyedwab/tangram/types"
)

// remote returns the peer serving a stdio channel. A nil peer means the
// local manager.
func (r *Resolver) remote(name string) (Service, error) {
	if name == "" {
		return nil, nil
	}
	return r.peer(name)
}

// forwarded wraps a peer failure that is not itself an answer.
func forwarded(name string, err error) error {
	if err == nil || definitive(err) {
		return err
	}
	return fmt.Errorf("remote %s: %w: %w", name, types.ErrRemoteUnavailable, err)
}

func (r *Resolver) CreatePipe(ctx context.Context, remote string) (*types.PipeOutput, error) {
	peer, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		output, err := peer.CreatePipe(ctx, "")
		return output, forwarded(remote, err)
	}
	id, err := r.node.Stdio().CreatePipe(ctx)
	if err != nil {
		return nil, err
	}
	return &types.PipeOutput{ID: id}, nil
}

func (r *Resolver) ClosePipe(ctx context.Context, id, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.ClosePipe(ctx, id, ""))
	}
	return r.node.Stdio().ClosePipe(ctx, id)
}

func (r *Resolver) DeletePipe(ctx context.Context, id, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.DeletePipe(ctx, id, ""))
	}
	return r.node.Stdio().DeletePipe(ctx, id)
}

func (r *Resolver) WritePipe(ctx context.Context, id string, events <-chan types.Event, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.WritePipe(ctx, id, events, ""))
	}
	return r.node.Stdio().WritePipe(ctx, id, events)
}

func (r *Resolver) ReadPipe(ctx context.Context, id, remote string) (<-chan types.Event, error) {
	peer, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		events, err := peer.ReadPipe(ctx, id, "")
		return events, forwarded(remote, err)
	}
	return r.node.Stdio().ReadPipe(ctx, id)
}

func (r *Resolver) CreatePty(ctx context.Context, arg types.PtyArg, remote string) (*types.PtyOutput, error) {
	peer, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		output, err := peer.CreatePty(ctx, arg, "")
		return output, forwarded(remote, err)
	}
	id, err := r.node.Stdio().CreatePty(ctx, arg)
	if err != nil {
		return nil, err
	}
	return &types.PtyOutput{ID: id}, nil
}

func (r *Resolver) GetPtySize(ctx context.Context, id, remote string) (*types.WindowSize, error) {
	peer, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		size, err := peer.GetPtySize(ctx, id, "")
		return size, forwarded(remote, err)
	}
	size, err := r.node.Stdio().GetPtySize(ctx, id)
	if err != nil {
		return nil, err
	}
	return &size, nil
}

func (r *Resolver) SetPtySize(ctx context.Context, id string, size types.WindowSize, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.SetPtySize(ctx, id, size, ""))
	}
	return r.node.Stdio().SetPtySize(ctx, id, size)
}

func (r *Resolver) ClosePty(ctx context.Context, id, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.ClosePty(ctx, id, ""))
	}
	return r.node.Stdio().ClosePty(ctx, id)
}

func (r *Resolver) DeletePty(ctx context.Context, id, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.DeletePty(ctx, id, ""))
	}
	return r.node.Stdio().DeletePty(ctx, id)
}

func (r *Resolver) WritePty(ctx context.Context, id string, master bool, events <-chan types.Event, remote string) error {
	peer, err := r.remote(remote)
	if err != nil {
		return err
	}
	if peer != nil {
		return forwarded(remote, peer.WritePty(ctx, id, master, events, ""))
	}
	return r.node.Stdio().WritePty(ctx, id, master, events)
}

func (r *Resolver) ReadPty(ctx context.Context, id string, master bool, remote string) (<-chan types.Event, error) {
	peer, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		events, err := peer.ReadPty(ctx, id, master, "")
		return events, forwarded(remote, err)
	}
	return r.node.Stdio().ReadPty(ctx, id, master)
}
