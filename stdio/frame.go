package stdio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"

	"github.com/tomyedwab/tangram/types"
)

// MediaFrames is a raw byte stream of data frames with control events in
// trailer frames. Each frame is a one byte kind, a big-endian uint32 length
// and the payload. A trailer payload is a header block carrying
// x-tg-event and x-tg-data.
const MediaFrames = "application/x-tg-frames"

const (
	frameData    byte = 'D'
	frameTrailer byte = 'T'

	frameHeaderSize = 5
	maxFrameSize    = 16 << 20

	HeaderEvent = "X-Tg-Event"
	HeaderData  = "X-Tg-Data"
)

type errorPayload struct {
	Message string `json:"message"`
}

// FrameWriter encodes events as frames.
type FrameWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	flusher, _ := w.(http.Flusher)
	return &FrameWriter{w: w, flusher: flusher}
}

func (fw *FrameWriter) WriteEvent(event types.Event) error {
	var err error
	switch event.Kind {
	case types.EventChunk:
		err = fw.writeFrame(frameData, event.Bytes)
	case types.EventWindowSize:
		err = fw.writeTrailer(event.Kind, event.WindowSize)
	case types.EventEnd:
		err = fw.writeTrailer(event.Kind, nil)
	case types.EventError:
		err = fw.writeTrailer(event.Kind, errorPayload{Message: event.Error})
	default:
		return fmt.Errorf("unknown event kind %q: %w", event.Kind, types.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}

func (fw *FrameWriter) writeTrailer(kind types.EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var block bytes.Buffer
	fmt.Fprintf(&block, "%s: %s\r\n", HeaderEvent, kind)
	fmt.Fprintf(&block, "%s: %s\r\n\r\n", HeaderData, data)
	return fw.writeFrame(frameTrailer, block.Bytes())
}

func (fw *FrameWriter) writeFrame(kind byte, payload []byte) error {
	var header [frameHeaderSize]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// FrameReader decodes frames written by FrameWriter.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadEvent returns the next event. It returns io.EOF only at a frame
// boundary; anything malformed is reported as types.ErrTransport.
func (fr *FrameReader) ReadEvent() (types.Event, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:1]); err != nil {
		return types.Event{}, err
	}
	if _, err := io.ReadFull(fr.r, header[1:]); err != nil {
		return types.Event{}, malformed("truncated frame header: %v", err)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return types.Event{}, malformed("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return types.Event{}, malformed("truncated frame: %v", err)
	}

	switch header[0] {
	case frameData:
		return types.ChunkEvent(payload), nil
	case frameTrailer:
		return parseTrailer(payload)
	default:
		return types.Event{}, malformed("unknown frame kind %q", header[0])
	}
}

func parseTrailer(block []byte) (types.Event, error) {
	header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(block))).ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(header) > 0) {
		return types.Event{}, malformed("trailer frame: %v", err)
	}
	kind := types.EventKind(header.Get(HeaderEvent))
	data := []byte(header.Get(HeaderData))
	if len(data) == 0 {
		return types.Event{}, malformed("trailer frame without %s", HeaderData)
	}

	switch kind {
	case types.EventChunk:
		var chunk []byte
		if err := json.Unmarshal(data, &chunk); err != nil {
			return types.Event{}, malformed("chunk trailer: %v", err)
		}
		return types.ChunkEvent(chunk), nil
	case types.EventWindowSize:
		var size types.WindowSize
		if err := json.Unmarshal(data, &size); err != nil {
			return types.Event{}, malformed("window-size trailer: %v", err)
		}
		return types.WindowSizeEvent(size), nil
	case types.EventEnd:
		return types.EndEvent(), nil
	case types.EventError:
		var payload errorPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return types.Event{}, malformed("error trailer: %v", err)
		}
		return types.Event{Kind: types.EventError, Error: payload.Message}, nil
	default:
		return types.Event{}, malformed("unknown trailer event %q", kind)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrTransport, fmt.Sprintf(format, args...))
}
