package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/tomyedwab/tangram/types"
)

// EventWriter is implemented by FrameWriter and SSEWriter.
type EventWriter interface {
	WriteEvent(event types.Event) error
}

// EventReader is implemented by FrameReader and SSEReader.
type EventReader interface {
	ReadEvent() (types.Event, error)
}

// Negotiate picks the response encoding for an Accept header. Frames are
// the default.
func Negotiate(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case MediaEventStream, MediaFrames:
			return mediaType
		}
	}
	return MediaFrames
}

func NewEventWriter(w io.Writer, mediaType string) EventWriter {
	if mediaType == MediaEventStream {
		return NewSSEWriter(w)
	}
	return NewFrameWriter(w)
}

func NewEventReader(r io.Reader, mediaType string) EventReader {
	if base, _, err := mime.ParseMediaType(mediaType); err == nil && base == MediaEventStream {
		return NewSSEReader(r)
	}
	return NewFrameReader(r)
}

// Encode writes events until a terminal event or the channel closes.
func Encode(ctx context.Context, w EventWriter, events <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.WriteEvent(event); err != nil {
				return err
			}
			if event.Terminal() {
				return nil
			}
		}
	}
}

// Decode reads events into a channel. A stream that stops without a
// terminal event, or a malformed frame, yields a final error event.
func Decode(ctx context.Context, r EventReader) <-chan types.Event {
	out := make(chan types.Event)
	go func() {
		defer close(out)
		for {
			event, err := r.ReadEvent()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: stream ended without an end event", types.ErrTransport)
				}
				event = types.ErrorEvent(err)
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
	}()
	return out
}

// ReaderEvents turns an io.Reader into a chunk stream ending in end.
func ReaderEvents(ctx context.Context, r io.Reader) <-chan types.Event {
	out := make(chan types.Event)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, readBufferSize)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case out <- types.ChunkEvent(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err == nil {
				continue
			}
			event := types.EndEvent()
			if !errors.Is(err, io.EOF) {
				event = types.ErrorEvent(err)
			}
			select {
			case out <- event:
			case <-ctx.Done():
			}
			return
		}
	}()
	return out
}

// CopyEvents writes the chunks of an event stream to w and returns once the
// stream ends. Window-size events go to onSize when it is set.
func CopyEvents(w io.Writer, events <-chan types.Event, onSize func(types.WindowSize)) error {
	for event := range events {
		switch event.Kind {
		case types.EventChunk:
			if _, err := w.Write(event.Bytes); err != nil {
				return err
			}
		case types.EventWindowSize:
			if onSize != nil && event.WindowSize != nil {
				onSize(*event.WindowSize)
			}
		case types.EventEnd:
			return nil
		case types.EventError:
			return fmt.Errorf("%w: %s", types.ErrTransport, event.Error)
		}
	}
	return fmt.Errorf("%w: stream ended without an end event", types.ErrTransport)
}
