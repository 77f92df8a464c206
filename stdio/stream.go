package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/tomyedwab/tangram/types"
)

const readBufferSize = 32 * 1024

// rawChunks reads f as an unframed byte stream. Each read becomes a chunk.
func rawChunks(f *os.File) func() ([]byte, error) {
	return func() ([]byte, error) {
		buf := make([]byte, readBufferSize)
		n, err := f.Read(buf)
		return buf[:n], err
	}
}

// readEvents turns the chunks returned by next into an event sequence ending
// in exactly one end or error event. next reads from f, whose read deadline
// is used to unblock it. Window sizes received on sizes are interleaved
// between chunks. The returned channel is closed after the terminal event,
// or when ctx is done.
func readEvents(ctx context.Context, f *os.File, next func() ([]byte, error), sizes <-chan types.WindowSize, release func()) <-chan types.Event {
	out := make(chan types.Event)
	chunks := make(chan types.Event)

	// Unblock a pending read once the consumer goes away.
	f.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		f.SetReadDeadline(time.Now())
	})

	go func() {
		defer close(chunks)
		for {
			data, err := next()
			if len(data) > 0 {
				select {
				case chunks <- types.ChunkEvent(data):
				case <-ctx.Done():
					return
				}
			}
			if err == nil {
				continue
			}
			var event types.Event
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO), errors.Is(err, os.ErrClosed):
				// EIO is how a pty master reports that the slave side hung up.
				event = types.EndEvent()
			default:
				event = types.ErrorEvent(fmt.Errorf("%w: %v", types.ErrTransport, err))
			}
			select {
			case chunks <- event:
			case <-ctx.Done():
			}
			return
		}
	}()

	go func() {
		defer close(out)
		defer stop()
		if release != nil {
			defer release()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-chunks:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Terminal() {
					return
				}
			case size := <-sizes:
				select {
				case out <- types.WindowSizeEvent(size):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// writeEvents drains events into f until an end or error event, the channel
// closing, or ctx being done. encode, when set, turns each chunk into the
// bytes written for it. onSize handles window-size events; a nil onSize
// rejects them. onEnd runs when the stream ends cleanly.
func writeEvents(ctx context.Context, f *os.File, events <-chan types.Event, encode func([]byte) []byte, onSize func(types.WindowSize) error, onEnd func() error) error {
	f.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		f.SetWriteDeadline(time.Now())
	})
	defer stop()

	for {
		var event types.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok = <-events:
		}
		if !ok {
			return nil
		}

		switch event.Kind {
		case types.EventChunk:
			data := event.Bytes
			if encode != nil {
				data = encode(data)
			}
			if len(data) == 0 {
				continue
			}
			if _, err := f.Write(data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", types.ErrTransport, err)
			}
		case types.EventWindowSize:
			if onSize == nil || event.WindowSize == nil {
				return fmt.Errorf("window size on a stream without one: %w", types.ErrInvalidArgument)
			}
			if err := onSize(*event.WindowSize); err != nil {
				return err
			}
		case types.EventEnd:
			if onEnd != nil {
				return onEnd()
			}
			return nil
		case types.EventError:
			return fmt.Errorf("%w: writer reported %s", types.ErrTransport, event.Error)
		default:
			return fmt.Errorf("unknown event kind %q: %w", event.Kind, types.ErrInvalidArgument)
		}
	}
}
