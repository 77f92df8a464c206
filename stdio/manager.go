// Package stdio manages the pipes and ptys that carry a process's standard
// streams, and the wire encodings used to move their events over HTTP.
package stdio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomyedwab/tangram/types"
)

// Manager holds every pipe and pty on this server.
type Manager struct {
	logger *slog.Logger

	mu    sync.RWMutex
	pipes map[string]*Pipe
	ptys  map[string]*Pty
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		pipes:  make(map[string]*Pipe),
		ptys:   make(map[string]*Pty),
	}
}

func (m *Manager) pipe(id string) (*Pipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipes[id]
	if !ok {
		return nil, fmt.Errorf("pipe %s: %w", id, types.ErrNotFound)
	}
	return p, nil
}

func (m *Manager) pty(id string) (*Pty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.ptys[id]
	if !ok {
		return nil, fmt.Errorf("pty %s: %w", id, types.ErrNotFound)
	}
	return p, nil
}

// CreatePipe allocates a new kernel pipe.
func (m *Manager) CreatePipe(ctx context.Context) (string, error) {
	p, err := newPipe()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.pipes[p.ID] = p
	m.mu.Unlock()
	m.logger.Debug("Pipe created", "id", p.ID)
	return p.ID, nil
}

// ClosePipe closes the write side. Readers drain what is buffered and then
// see the end of the stream.
func (m *Manager) ClosePipe(ctx context.Context, id string) error {
	p, err := m.pipe(id)
	if err != nil {
		return err
	}
	return p.closeWriter()
}

// DeletePipe releases both ends and forgets the pipe.
func (m *Manager) DeletePipe(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pipes[id]
	delete(m.pipes, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipe %s: %w", id, types.ErrNotFound)
	}
	m.logger.Debug("Pipe deleted", "id", id)
	return p.destroy()
}

// WritePipe writes chunk events to the pipe until an end event, which
// closes the write side.
func (m *Manager) WritePipe(ctx context.Context, id string, events <-chan types.Event) error {
	p, err := m.pipe(id)
	if err != nil {
		return err
	}
	return p.write(ctx, events)
}

// ReadPipe streams the pipe's bytes as chunk events followed by one end or
// error event. Bytes consumed by one reader are not seen by another.
func (m *Manager) ReadPipe(ctx context.Context, id string) (<-chan types.Event, error) {
	p, err := m.pipe(id)
	if err != nil {
		return nil, err
	}
	return p.read(ctx), nil
}

// CreatePty allocates a pty, applying the initial size when one is given.
func (m *Manager) CreatePty(ctx context.Context, arg types.PtyArg) (string, error) {
	p, err := newPty(arg.Size)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.ptys[p.ID] = p
	m.mu.Unlock()
	m.logger.Debug("Pty created", "id", p.ID, "rows", arg.Size.Rows, "cols", arg.Size.Cols)
	return p.ID, nil
}

func (m *Manager) GetPtySize(ctx context.Context, id string) (types.WindowSize, error) {
	p, err := m.pty(id)
	if err != nil {
		return types.WindowSize{}, err
	}
	return p.Size()
}

// SetPtySize resizes the pty and notifies its readers.
func (m *Manager) SetPtySize(ctx context.Context, id string, size types.WindowSize) error {
	p, err := m.pty(id)
	if err != nil {
		return err
	}
	return p.setSize(size)
}

// ClosePty hangs up the process side of the pty.
func (m *Manager) ClosePty(ctx context.Context, id string) error {
	p, err := m.pty(id)
	if err != nil {
		return err
	}
	return p.closeSlave()
}

func (m *Manager) DeletePty(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.ptys[id]
	delete(m.ptys, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pty %s: %w", id, types.ErrNotFound)
	}
	m.logger.Debug("Pty deleted", "id", id)
	return p.destroy()
}

// WritePty writes events to one side of the pty. Writing to the master is
// terminal input; writing to the slave is process output.
func (m *Manager) WritePty(ctx context.Context, id string, master bool, events <-chan types.Event) error {
	p, err := m.pty(id)
	if err != nil {
		return err
	}
	return p.write(ctx, master, events)
}

// ReadPty streams one side of the pty. Window-size changes made while the
// stream is open are delivered between chunks.
func (m *Manager) ReadPty(ctx context.Context, id string, master bool) (<-chan types.Event, error) {
	p, err := m.pty(id)
	if err != nil {
		return nil, err
	}
	return p.read(ctx, master), nil
}

// Close releases every pipe and pty.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pipes {
		if err := p.destroy(); err != nil {
			m.logger.Warn("Failed to close pipe", "id", id, "error", err)
		}
	}
	for id, p := range m.ptys {
		if err := p.destroy(); err != nil {
			m.logger.Warn("Failed to close pty", "id", id, "error", err)
		}
	}
	m.pipes = make(map[string]*Pipe)
	m.ptys = make(map[string]*Pty)
}
