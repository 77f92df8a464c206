package stdio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tomyedwab/tangram/types"
)

// MediaEventStream carries one JSON encoded event per server-sent event.
const MediaEventStream = "text/event-stream"

// SSEWriter encodes events as server-sent events.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (sw *SSEWriter) WriteEvent(event types.Event) error {
	return sw.Write(string(event.Kind), event)
}

// Write sends an arbitrary JSON payload under the given event name.
func (sw *SSEWriter) Write(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// SSEReader decodes a server-sent event stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the name and data of the next event, or io.EOF.
func (sr *SSEReader) Next() (string, []byte, error) {
	var name string
	var data []string
	for sr.scanner.Scan() {
		line := sr.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return name, []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sr.scanner.Err(); err != nil {
		return "", nil, malformed("event stream: %v", err)
	}
	if len(data) > 0 {
		return name, []byte(strings.Join(data, "\n")), nil
	}
	return "", nil, io.EOF
}

func (sr *SSEReader) ReadEvent() (types.Event, error) {
	_, data, err := sr.Next()
	if err != nil {
		return types.Event{}, err
	}
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return types.Event{}, malformed("event data: %v", err)
	}
	return event, nil
}
