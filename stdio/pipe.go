package stdio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tomyedwab/tangram/types"
)

const (
	pipeLengthSize = 4
	// maxPipeChunk bounds one frame on the kernel pipe. Larger chunks are
	// split.
	maxPipeChunk = 1 << 20
)

// Pipe is a kernel pipe. Each chunk written through WritePipe is carried as
// a length-prefixed frame, so ReadPipe returns the same chunks in order.
type Pipe struct {
	ID string

	reader *os.File
	writer *os.File

	// readMu keeps concurrent readers from splitting a frame.
	readMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newPipe() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	return &Pipe{ID: types.NewPipeID(), reader: r, writer: w}, nil
}

// closeWriter closes the write side so readers see end of stream.
func (p *Pipe) closeWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// Closed reports whether the write side has been closed.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipe) destroy() error {
	werr := p.closeWriter()
	rerr := p.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (p *Pipe) write(ctx context.Context, events <-chan types.Event) error {
	if p.Closed() {
		return fmt.Errorf("pipe %s is closed: %w", p.ID, types.ErrInvalidTransition)
	}
	return writeEvents(ctx, p.writer, events, encodeFrames, nil, p.closeWriter)
}

func (p *Pipe) read(ctx context.Context) <-chan types.Event {
	return readEvents(ctx, p.reader, func() ([]byte, error) {
		return p.readFrame(ctx)
	}, nil, nil)
}

// encodeFrames prefixes chunk with its length, splitting it into several
// frames when it exceeds maxPipeChunk.
func encodeFrames(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	frames := (len(chunk) + maxPipeChunk - 1) / maxPipeChunk
	out := make([]byte, 0, len(chunk)+frames*pipeLengthSize)
	for len(chunk) > 0 {
		n := min(len(chunk), maxPipeChunk)
		out = binary.BigEndian.AppendUint32(out, uint32(n))
		out = append(out, chunk[:n]...)
		chunk = chunk[n:]
	}
	return out
}

// readFrame returns the next chunk. io.EOF means the writer closed between
// frames; io.ErrUnexpectedEOF means it closed inside one.
func (p *Pipe) readFrame(ctx context.Context) ([]byte, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	if ctx.Err() != nil {
		return nil, os.ErrDeadlineExceeded
	}

	var header [pipeLengthSize]byte
	if err := p.fill(ctx, header[:], false); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxPipeChunk {
		return nil, fmt.Errorf("pipe %s: frame of %d bytes exceeds %d", p.ID, size, maxPipeChunk)
	}
	data := make([]byte, size)
	if err := p.fill(ctx, data, true); err != nil {
		return nil, err
	}
	return data, nil
}

// fill reads len(buf) bytes. Once a frame has started it is always read to
// the end, even past a deadline, so the next reader starts on a boundary.
// A deadline set for another reader's context is cleared and retried.
func (p *Pipe) fill(ctx context.Context, buf []byte, started bool) error {
	n := 0
	for n < len(buf) {
		m, err := p.reader.Read(buf[n:])
		n += m
		if err == nil {
			continue
		}
		inFrame := started || n > 0
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded) && (inFrame || ctx.Err() == nil):
			p.reader.SetReadDeadline(time.Time{})
			if !inFrame && ctx.Err() != nil {
				return err
			}
		case errors.Is(err, io.EOF) && inFrame:
			return io.ErrUnexpectedEOF
		default:
			return err
		}
	}
	return nil
}
