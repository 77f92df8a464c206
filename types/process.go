package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the lifecycle state of a process.
type ProcessStatus string

const (
	StatusCreated  ProcessStatus = "created"
	StatusEnqueued ProcessStatus = "enqueued"
	StatusDequeued ProcessStatus = "dequeued"
	StatusStarted  ProcessStatus = "started"
	StatusFinished ProcessStatus = "finished"
)

// IsFinished reports whether the status is terminal.
func (s ProcessStatus) IsFinished() bool {
	return s == StatusFinished
}

// Valid reports whether s is one of the known statuses.
func (s ProcessStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusEnqueued, StatusDequeued, StatusStarted, StatusFinished:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a process may move from one status to
// another. Finished is terminal; dequeued -> dequeued is a lease renewal.
func CanTransition(from, to ProcessStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusEnqueued || to == StatusStarted
	case StatusEnqueued:
		return to == StatusDequeued || to == StatusStarted
	case StatusDequeued:
		return to == StatusDequeued || to == StatusStarted
	case StatusStarted:
		return to == StatusFinished
	default:
		return false
	}
}

// StdioKind identifies what backs one of a process's standard streams.
type StdioKind string

const (
	StdioPipe StdioKind = "pipe"
	StdioPty  StdioKind = "pty"
	// StdioBlob is only valid for stdin.
	StdioBlob StdioKind = "blob"
)

// Stdio describes a process's stdin, stdout or stderr. A nil *Stdio means
// the stream is absent.
type Stdio struct {
	Kind StdioKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
	Blob string    `json:"blob,omitempty"`
}

// Mount is an opaque mount description handed to the runtime.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readonly,omitempty"`
}

// Process is the persisted record of one schedulable command execution.
type Process struct {
	ID        string        `json:"id"`
	Status    ProcessStatus `json:"status"`
	Host      string        `json:"host"`
	Command   string        `json:"command"`
	Checksum  string        `json:"checksum,omitempty"`
	Cacheable bool          `json:"cacheable"`
	Retry     bool          `json:"retry"`
	Network   bool          `json:"network"`
	Mounts    []Mount       `json:"mounts,omitempty"`
	Stdin     *Stdio        `json:"stdin,omitempty"`
	Stdout    *Stdio        `json:"stdout,omitempty"`
	Stderr    *Stdio        `json:"stderr,omitempty"`
	Children  []string      `json:"children,omitempty"`

	// Populated only once the process is finished.
	Error  *Error `json:"error,omitempty"`
	Exit   *int   `json:"exit,omitempty"`
	Output string `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	DequeuedAt  *time.Time `json:"dequeued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	TouchedAt   *time.Time `json:"touched_at,omitempty"`

	TokenCount int `json:"token_count"`

	// Remote names the federation peer that owns this record. Empty means
	// this server owns it.
	Remote string `json:"remote,omitempty"`
}

// Succeeded reports whether a finished process exited cleanly.
func (p *Process) Succeeded() bool {
	return p.Status.IsFinished() && p.Error == nil && p.Exit != nil && *p.Exit == 0
}

const (
	processIDPrefix = "pcs_"
	pipeIDPrefix    = "pip_"
	ptyIDPrefix     = "pty_"
)

// NewProcessID returns a new time-ordered process id.
func NewProcessID() string {
	return newID(processIDPrefix)
}

// NewPipeID returns a new pipe id.
func NewPipeID() string {
	return newID(pipeIDPrefix)
}

// NewPtyID returns a new pty id.
func NewPtyID() string {
	return newID(ptyIDPrefix)
}

func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}
