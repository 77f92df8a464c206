package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tomyedwab/tangram/types"
)

// processRow mirrors the processes table column for column.
type processRow struct {
	ID          string         `db:"id"`
	Status      string         `db:"status"`
	Host        string         `db:"host"`
	Command     string         `db:"command"`
	Checksum    string         `db:"checksum"`
	Cacheable   bool           `db:"cacheable"`
	Retry       bool           `db:"retry"`
	Network     bool           `db:"network"`
	Mounts      string         `db:"mounts"`
	Stdin       sql.NullString `db:"stdin"`
	Stdout      sql.NullString `db:"stdout"`
	Stderr      sql.NullString `db:"stderr"`
	Children    string         `db:"children"`
	Error       sql.NullString `db:"error"`
	Exit        sql.NullInt64  `db:"exit"`
	Output      string         `db:"output"`
	CreatedAt   int64          `db:"created_at"`
	EnqueuedAt  sql.NullInt64  `db:"enqueued_at"`
	DequeuedAt  sql.NullInt64  `db:"dequeued_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	FinishedAt  sql.NullInt64  `db:"finished_at"`
	HeartbeatAt sql.NullInt64  `db:"heartbeat_at"`
	TouchedAt   sql.NullInt64  `db:"touched_at"`
	TokenCount  int            `db:"token_count"`
	Remote      string         `db:"remote"`
}

func (r *processRow) toProcess() (*types.Process, error) {
	p := &types.Process{
		ID:          r.ID,
		Status:      types.ProcessStatus(r.Status),
		Host:        r.Host,
		Command:     r.Command,
		Checksum:    r.Checksum,
		Cacheable:   r.Cacheable,
		Retry:       r.Retry,
		Network:     r.Network,
		Output:      r.Output,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		EnqueuedAt:  nullTime(r.EnqueuedAt),
		DequeuedAt:  nullTime(r.DequeuedAt),
		StartedAt:   nullTime(r.StartedAt),
		FinishedAt:  nullTime(r.FinishedAt),
		HeartbeatAt: nullTime(r.HeartbeatAt),
		TouchedAt:   nullTime(r.TouchedAt),
		TokenCount:  r.TokenCount,
		Remote:      r.Remote,
	}
	if err := json.Unmarshal([]byte(r.Mounts), &p.Mounts); err != nil {
		return nil, fmt.Errorf("decoding mounts of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Children), &p.Children); err != nil {
		return nil, fmt.Errorf("decoding children of %s: %w", r.ID, err)
	}
	for _, field := range []struct {
		column sql.NullString
		target **types.Stdio
	}{{r.Stdin, &p.Stdin}, {r.Stdout, &p.Stdout}, {r.Stderr, &p.Stderr}} {
		if !field.column.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(field.column.String), field.target); err != nil {
			return nil, fmt.Errorf("decoding stdio of %s: %w", r.ID, err)
		}
	}
	if r.Error.Valid {
		if err := json.Unmarshal([]byte(r.Error.String), &p.Error); err != nil {
			return nil, fmt.Errorf("decoding error of %s: %w", r.ID, err)
		}
	}
	if r.Exit.Valid {
		exit := int(r.Exit.Int64)
		p.Exit = &exit
	}
	return p, nil
}

// processArgs returns the insert arguments for p in processColumns order.
// NULL columns are passed as untyped nil so every driver binds them.
func processArgs(p *types.Process) ([]any, error) {
	mounts := p.Mounts
	if mounts == nil {
		mounts = []types.Mount{}
	}
	mountsJSON, err := json.Marshal(mounts)
	if err != nil {
		return nil, err
	}
	children := p.Children
	if children == nil {
		children = []string{}
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return nil, err
	}
	stdin, err := jsonOrNil(p.Stdin)
	if err != nil {
		return nil, err
	}
	stdout, err := jsonOrNil(p.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := jsonOrNil(p.Stderr)
	if err != nil {
		return nil, err
	}
	errorJSON, err := jsonOrNil(p.Error)
	if err != nil {
		return nil, err
	}
	var exit any
	if p.Exit != nil {
		exit = int64(*p.Exit)
	}
	return []any{
		p.ID, string(p.Status), p.Host, p.Command, p.Checksum,
		boolInt(p.Cacheable), boolInt(p.Retry), boolInt(p.Network), string(mountsJSON),
		stdin, stdout, stderr, string(childrenJSON), errorJSON, exit, p.Output,
		p.CreatedAt.UnixNano(), timeOrNil(p.EnqueuedAt), timeOrNil(p.DequeuedAt),
		timeOrNil(p.StartedAt), timeOrNil(p.FinishedAt), timeOrNil(p.HeartbeatAt),
		timeOrNil(p.TouchedAt), int64(p.TokenCount), p.Remote,
	}, nil
}

// finishArgs returns the arguments of finishProcessSql.
func finishArgs(id string, arg types.FinishArg, now time.Time) ([]any, error) {
	errorJSON, err := jsonOrNil(arg.Error)
	if err != nil {
		return nil, err
	}
	var exit any
	if arg.Exit != nil {
		exit = int64(*arg.Exit)
	}
	return []any{id, now.UnixNano(), exit, errorJSON, arg.Output}, nil
}

func jsonOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
