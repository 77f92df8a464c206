package stdio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tomyedwab/tangram/types"
)

// Pty is a pseudo-terminal pair. The master side faces the client, the
// slave side is handed to the process.
type Pty struct {
	ID string

	master *os.File
	slave  *os.File

	mu        sync.Mutex
	size      types.WindowSize
	listeners map[*sizeListener]struct{}
	closed    bool
}

func newPty(size types.WindowSize) (*Pty, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, err
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open %s: %w", slavePath, err)
	}
	p := &Pty{
		ID:        types.NewPtyID(),
		master:    master,
		slave:     slave,
		listeners: make(map[*sizeListener]struct{}),
	}
	if size.Rows > 0 && size.Cols > 0 {
		if err := p.setSize(size); err != nil {
			p.destroy()
			return nil, err
		}
	}
	return p, nil
}

// openPTY allocates a master/slave pair through /dev/ptmx and returns the
// master with the slave's path.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var ptyNumber int
	err = control(master, func(fd int) error {
		n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
		if err != nil {
			return fmt.Errorf("get pty number (TIOCGPTN): %w", err)
		}
		ptyNumber = n
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
			return fmt.Errorf("unlock pty slave (TIOCSPTLCK): %w", err)
		}
		return nil
	})
	if err != nil {
		master.Close()
		return nil, "", err
	}
	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// control runs fn on the raw descriptor without switching the file to
// blocking mode, so read deadlines keep working.
func control(f *os.File, fn func(fd int) error) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := raw.Control(func(fd uintptr) {
		fnErr = fn(int(fd))
	}); err != nil {
		return err
	}
	return fnErr
}

// Size reads the kernel's current window size.
func (p *Pty) Size() (types.WindowSize, error) {
	var size types.WindowSize
	err := control(p.master, func(fd int) error {
		ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
		if err != nil {
			return fmt.Errorf("get window size (TIOCGWINSZ): %w", err)
		}
		size = types.WindowSize{Rows: ws.Row, Cols: ws.Col}
		return nil
	})
	return size, err
}

// setSize applies size to the kernel pty and tells every current reader.
func (p *Pty) setSize(size types.WindowSize) error {
	err := control(p.master, func(fd int) error {
		ws := &unix.Winsize{Row: size.Rows, Col: size.Cols}
		if err := unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws); err != nil {
			return fmt.Errorf("set window size (TIOCSWINSZ): %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	for listener := range p.listeners {
		listener.push(size)
	}
	return nil
}

// sizeListener queues window sizes for one reader so a slow reader still
// sees every change, in order.
type sizeListener struct {
	mu      sync.Mutex
	pending []types.WindowSize

	wake chan struct{}
	out  chan types.WindowSize
	done chan struct{}
}

func (l *sizeListener) push(size types.WindowSize) {
	l.mu.Lock()
	l.pending = append(l.pending, size)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *sizeListener) pop() (types.WindowSize, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return types.WindowSize{}, false
	}
	size := l.pending[0]
	l.pending = l.pending[1:]
	return size, true
}

func (l *sizeListener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			size, ok := l.pop()
			if !ok {
				break
			}
			select {
			case l.out <- size:
			case <-l.done:
				return
			}
		}
	}
}

func (p *Pty) listen() (<-chan types.WindowSize, func()) {
	listener := &sizeListener{
		wake: make(chan struct{}, 1),
		out:  make(chan types.WindowSize),
		done: make(chan struct{}),
	}
	go listener.run()
	p.mu.Lock()
	p.listeners[listener] = struct{}{}
	p.mu.Unlock()
	return listener.out, func() {
		p.mu.Lock()
		delete(p.listeners, listener)
		p.mu.Unlock()
		close(listener.done)
	}
}

func (p *Pty) side(master bool) *os.File {
	if master {
		return p.master
	}
	return p.slave
}

// closeSlave hangs up the process side; master readers then see the end.
func (p *Pty) closeSlave() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.slave.Close()
}

func (p *Pty) destroy() error {
	serr := p.closeSlave()
	merr := p.master.Close()
	if serr != nil {
		return serr
	}
	return merr
}

func (p *Pty) write(ctx context.Context, master bool, events <-chan types.Event) error {
	var onEnd func() error
	if !master {
		onEnd = p.closeSlave
	}
	return writeEvents(ctx, p.side(master), events, nil, p.setSize, onEnd)
}

func (p *Pty) read(ctx context.Context, master bool) <-chan types.Event {
	listener, release := p.listen()
	f := p.side(master)
	return readEvents(ctx, f, rawChunks(f), listener, release)
}
