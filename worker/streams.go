package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

// Streams are a running process's standard streams. Absent streams are
// nil. A blob stdin is left to the runner, which resolves the reference.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// eventWriter turns writes into chunk events sent to a channel stream.
type eventWriter struct {
	ctx    context.Context
	events chan types.Event
	done   chan error
	once   sync.Once
}

func newEventWriter(ctx context.Context, send func(<-chan types.Event) error) *eventWriter {
	w := &eventWriter{
		ctx:    ctx,
		events: make(chan types.Event),
		done:   make(chan error, 1),
	}
	go func() {
		w.done <- send(w.events)
	}()
	return w
}

func (w *eventWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case w.events <- types.ChunkEvent(chunk):
		return len(p), nil
	case err := <-w.done:
		w.done <- err
		if err == nil {
			err = io.ErrClosedPipe
		}
		return 0, err
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

// Close sends end and waits for the stream to be written out.
func (w *eventWriter) Close() error {
	var err error
	w.once.Do(func() {
		select {
		case w.events <- types.EndEvent():
		case err = <-w.done:
			w.done <- err
		case <-w.ctx.Done():
		}
		close(w.events)
		select {
		case err = <-w.done:
		case <-w.ctx.Done():
			err = w.ctx.Err()
		}
	})
	return err
}

// openStreams attaches to the channels a process was spawned with. The
// returned close func flushes output streams and releases inputs.
func openStreams(ctx context.Context, svc federation.Service, p *types.Process) (Streams, func() error, error) {
	var streams Streams
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if p.Stdin != nil && p.Stdin.Kind != types.StdioBlob {
		var events <-chan types.Event
		var err error
		switch p.Stdin.Kind {
		case types.StdioPipe:
			events, err = svc.ReadPipe(ctx, p.Stdin.ID, p.Remote)
		case types.StdioPty:
			events, err = svc.ReadPty(ctx, p.Stdin.ID, false, p.Remote)
		default:
			err = fmt.Errorf("unknown stdin kind %q: %w", p.Stdin.Kind, types.ErrInvalidArgument)
		}
		if err != nil {
			return Streams{}, nil, fmt.Errorf("opening stdin: %w", err)
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(stdio.CopyEvents(pw, events, nil))
		}()
		streams.Stdin = pr
		closers = append(closers, pr.Close)
	}

	output := func(s *types.Stdio) (io.Writer, error) {
		if s == nil {
			return nil, nil
		}
		var w *eventWriter
		switch s.Kind {
		case types.StdioPipe:
			w = newEventWriter(ctx, func(events <-chan types.Event) error {
				return svc.WritePipe(ctx, s.ID, events, p.Remote)
			})
		case types.StdioPty:
			w = newEventWriter(ctx, func(events <-chan types.Event) error {
				return svc.WritePty(ctx, s.ID, false, events, p.Remote)
			})
		default:
			return nil, fmt.Errorf("cannot write to %q stream: %w", s.Kind, types.ErrInvalidArgument)
		}
		closers = append(closers, w.Close)
		return w, nil
	}

	var err error
	if streams.Stdout, err = output(p.Stdout); err != nil {
		closeAll()
		return Streams{}, nil, fmt.Errorf("opening stdout: %w", err)
	}
	if p.Stderr != nil && p.Stdout != nil && *p.Stderr == *p.Stdout {
		// Shared pty or pipe: one writer keeps chunks ordered.
		streams.Stderr = streams.Stdout
	} else if streams.Stderr, err = output(p.Stderr); err != nil {
		closeAll()
		return Streams{}, nil, fmt.Errorf("opening stderr: %w", err)
	}
	return streams, closeAll, nil
}
