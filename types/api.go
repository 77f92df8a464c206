package types

import (
	"net/url"
	"strconv"
	"strings"
)

// SpawnArg describes a process to create.
type SpawnArg struct {
	Host      string  `json:"host"`
	Command   string  `json:"command"`
	Checksum  string  `json:"checksum,omitempty"`
	Cacheable bool    `json:"cacheable,omitempty"`
	Retry     bool    `json:"retry,omitempty"`
	Network   bool    `json:"network,omitempty"`
	Mounts    []Mount `json:"mounts,omitempty"`
	Stdin     *Stdio  `json:"stdin,omitempty"`
	Stdout    *Stdio  `json:"stdout,omitempty"`
	Stderr    *Stdio  `json:"stderr,omitempty"`

	// Parent, when set, gets the new process appended to its children.
	Parent string `json:"parent,omitempty"`

	// Hold keeps the process in the created state instead of enqueuing it,
	// for callers that intend to start it themselves.
	Hold bool `json:"hold,omitempty"`
}

// SpawnOutput is returned from a successful spawn. Token is empty when an
// already finished cached process was reused.
type SpawnOutput struct {
	ID     string `json:"id"`
	Token  string `json:"token,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// FinishArg is the outcome reported when a process finishes.
type FinishArg struct {
	Exit   *int   `json:"exit,omitempty"`
	Error  *Error `json:"error,omitempty"`
	Output string `json:"output,omitempty"`
}

// CancelArg carries the token handed out at spawn time.
type CancelArg struct {
	Token string `json:"token"`
}

// ListArg filters a process listing.
type ListArg struct {
	Status ProcessStatus `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}

// HeartbeatOutput tells a worker whether to stop running a process.
type HeartbeatOutput struct {
	Stop bool `json:"stop"`
}

// DequeueOutput holds the claimed process id, or is nil when nothing could
// be claimed.
type DequeueOutput struct {
	ID string `json:"id"`
}

// StatusUpdate is one entry in a process status stream.
type StatusUpdate struct {
	ID     string        `json:"id"`
	Status ProcessStatus `json:"status"`
}

// Route carries federation routing hints. The zero value means "try local,
// then any configured remote".
type Route struct {
	Local   *bool    `json:"local,omitempty"`
	Remotes []string `json:"remotes,omitempty"`
}

// LocalOnly returns a route that never leaves this server.
func LocalOnly() Route {
	local := true
	return Route{Local: &local}
}

// RemoteOnly returns a route that skips local storage.
func RemoteOnly(remotes ...string) Route {
	local := false
	return Route{Local: &local, Remotes: remotes}
}

// AllowsLocal reports whether local storage may be consulted.
func (r Route) AllowsLocal() bool {
	return r.Local == nil || *r.Local
}

// Encode writes the route into URL query parameters.
func (r Route) Encode(q url.Values) {
	if r.Local != nil {
		q.Set("local", strconv.FormatBool(*r.Local))
	}
	if len(r.Remotes) > 0 {
		q.Set("remotes", strings.Join(r.Remotes, ","))
	}
}

// ParseRoute reads routing hints from URL query parameters.
func ParseRoute(q url.Values) (Route, error) {
	var route Route
	if raw := q.Get("local"); raw != "" {
		local, err := strconv.ParseBool(raw)
		if err != nil {
			return Route{}, NewError(CodeInvalidArgument, "invalid local parameter %q", raw)
		}
		route.Local = &local
	}
	if raw := q.Get("remotes"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				route.Remotes = append(route.Remotes, name)
			}
		}
	}
	return route, nil
}

// WindowSize is a terminal size in character cells.
type WindowSize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// PtyArg creates a pty with an initial size.
type PtyArg struct {
	Size WindowSize `json:"size"`
}

// PipeOutput and PtyOutput return the id of a created channel.
type PipeOutput struct {
	ID string `json:"id"`
}

type PtyOutput struct {
	ID string `json:"id"`
}
