package types

// EventKind tags a stdio stream event.
type EventKind string

const (
	EventChunk      EventKind = "chunk"
	EventWindowSize EventKind = "window-size"
	EventEnd        EventKind = "end"
	EventError      EventKind = "error"
)

// Event is one item of a pipe or pty stream. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Bytes      []byte      `json:"bytes,omitempty"`
	WindowSize *WindowSize `json:"window_size,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func ChunkEvent(b []byte) Event {
	return Event{Kind: EventChunk, Bytes: b}
}

func WindowSizeEvent(size WindowSize) Event {
	return Event{Kind: EventWindowSize, WindowSize: &size}
}

func EndEvent() Event {
	return Event{Kind: EventEnd}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Error: err.Error()}
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Kind == EventEnd || e.Kind == EventError
}
