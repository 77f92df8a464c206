package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

// Process is a handle on one spawned process. Its stdio channels live on
// the server that owns it.
type Process struct {
	client *Client
	ID     string
	Token  string
	Remote string
}

// SpawnProcess spawns a process and returns a handle to it.
func (c *Client) SpawnProcess(ctx context.Context, arg types.SpawnArg, route types.Route) (*Process, error) {
	output, err := c.Spawn(ctx, arg, route)
	if err != nil {
		return nil, err
	}
	return &Process{client: c, ID: output.ID, Token: output.Token, Remote: output.Remote}, nil
}

// Process returns a handle on an existing process. Token may be empty, in
// which case Cancel is unavailable.
func (c *Client) Process(id, token string) *Process {
	return &Process{client: c, ID: id, Token: token}
}

// route sends calls straight to the owner when it is known.
func (p *Process) route() types.Route {
	if p.Remote != "" {
		return types.Route{Remotes: []string{p.Remote}}
	}
	return types.Route{}
}

func (p *Process) Status(ctx context.Context) (*types.Process, error) {
	return p.client.Get(ctx, p.ID, p.route())
}

func (p *Process) Wait(ctx context.Context) (*types.Process, error) {
	return p.client.Wait(ctx, p.ID, p.route())
}

// Cancel gives up this handle's claim on the process. The process stops
// once every holder has canceled.
func (p *Process) Cancel(ctx context.Context) error {
	if p.Token == "" {
		return fmt.Errorf("process %s: no cancellation token: %w", p.ID, types.ErrInvalidArgument)
	}
	return p.client.Cancel(ctx, p.ID, p.Token, p.route())
}

// AttachStdin copies r into the process's stdin pipe or pty.
func (p *Process) AttachStdin(ctx context.Context, r io.Reader) error {
	record, err := p.Status(ctx)
	if err != nil {
		return err
	}
	events := stdio.ReaderEvents(ctx, r)
	switch {
	case record.Stdin == nil || record.Stdin.Kind == types.StdioBlob:
		return fmt.Errorf("process %s has no attachable stdin: %w", p.ID, types.ErrInvalidArgument)
	case record.Stdin.Kind == types.StdioPty:
		return p.client.WritePty(ctx, record.Stdin.ID, true, events, p.Remote)
	default:
		return p.client.WritePipe(ctx, record.Stdin.ID, events, p.Remote)
	}
}

// AttachOutput copies the process's stdout and stderr until both end.
// Either writer may be nil to skip that stream. A stream backed by a pty is
// read from its master side.
func (p *Process) AttachOutput(ctx context.Context, stdout, stderr io.Writer) error {
	record, err := p.Status(ctx)
	if err != nil {
		return err
	}

	type stream struct {
		source *types.Stdio
		sink   io.Writer
	}
	streams := []stream{{record.Stdout, stdout}, {record.Stderr, stderr}}
	errs := make(chan error, len(streams))
	attached := 0
	for _, s := range streams {
		if s.source == nil || s.sink == nil {
			continue
		}
		events, err := p.read(ctx, s.source)
		if err != nil {
			return err
		}
		attached++
		go func() {
			errs <- stdio.CopyEvents(s.sink, events, nil)
		}()
	}

	var result []error
	for range attached {
		if err := <-errs; err != nil {
			result = append(result, err)
		}
	}
	return errors.Join(result...)
}

func (p *Process) read(ctx context.Context, source *types.Stdio) (<-chan types.Event, error) {
	switch source.Kind {
	case types.StdioPty:
		return p.client.ReadPty(ctx, source.ID, true, p.Remote)
	case types.StdioPipe:
		return p.client.ReadPipe(ctx, source.ID, p.Remote)
	default:
		return nil, fmt.Errorf("cannot read %s stream: %w", source.Kind, types.ErrInvalidArgument)
	}
}

// AttachTerminal connects a local terminal to the process's pty: in is put
// into raw mode, keystrokes and resizes go to the pty, and output is copied
// to out until the process's side of the pty closes.
func (p *Process) AttachTerminal(ctx context.Context, in *os.File, out io.Writer) error {
	record, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if record.Stdin == nil || record.Stdin.Kind != types.StdioPty {
		return fmt.Errorf("process %s has no terminal: %w", p.ID, types.ErrInvalidArgument)
	}
	ptyID := record.Stdin.ID

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	output, err := p.client.ReadPty(ctx, ptyID, true, p.Remote)
	if err != nil {
		return err
	}

	input := make(chan types.Event)
	go p.terminalInput(ctx, in, input)
	go func() {
		if err := p.client.WritePty(ctx, ptyID, true, input, p.Remote); err != nil && ctx.Err() == nil {
			cancel()
		}
	}()

	return stdio.CopyEvents(out, output, nil)
}

// terminalInput merges keystrokes and SIGWINCH resizes into one stream.
func (p *Process) terminalInput(ctx context.Context, in *os.File, out chan<- types.Event) {
	defer close(out)

	resize := make(chan os.Signal, 1)
	signal.Notify(resize, unix.SIGWINCH)
	defer signal.Stop(resize)
	resize <- unix.SIGWINCH

	keys := stdio.ReaderEvents(ctx, in)
	for {
		var event types.Event
		select {
		case <-ctx.Done():
			return
		case <-resize:
			cols, rows, err := term.GetSize(int(in.Fd()))
			if err != nil {
				continue
			}
			event = types.WindowSizeEvent(types.WindowSize{Rows: uint16(rows), Cols: uint16(cols)})
		case key, ok := <-keys:
			if !ok {
				return
			}
			event = key
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
		if event.Terminal() {
			return
		}
	}
}
