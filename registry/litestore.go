package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tomyedwab/tangram/types"
)

// LiteStore is a Store on a pool of raw SQLite connections. It runs the same
// SQL as SQLStore without going through database/sql.
type LiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// LiteConfig configures OpenLiteStore.
type LiteConfig struct {
	// Path of the database file, created if missing.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   *slog.Logger
}

// OpenLiteStore opens a connection pool with WAL journaling and a busy
// timeout applied to every connection.
func OpenLiteStore(cfg LiteConfig) (*LiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("litestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("litestore: opening %s: %w", cfg.Path, err)
	}
	logger.Info("SQLite pool opened", "path", cfg.Path, "pool_size", poolSize)
	return &LiteStore{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("litestore: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *LiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("litestore: closing %s: %w", s.path, err)
	}
	s.logger.Info("SQLite pool closed", "path", s.path)
	return nil
}

// withConn borrows a connection for the duration of fn.
func (s *LiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("litestore: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction.
func (s *LiteStore) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("litestore: begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

func (s *LiteStore) Init(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, processSchema, nil)
	})
}

func (s *LiteStore) Insert(ctx context.Context, p *types.Process, tokenHash string) error {
	args, err := processArgs(p)
	if err != nil {
		return fmt.Errorf("encoding process %s: %w", p.ID, err)
	}
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, insertProcessSql, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("inserting process %s: %w", p.ID, err)
		}
		if tokenHash == "" {
			return nil
		}
		if err := sqlitex.Execute(conn, insertTokenSql, &sqlitex.ExecOptions{Args: []any{p.ID, tokenHash}}); err != nil {
			return fmt.Errorf("inserting token for %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *LiteStore) Replicate(ctx context.Context, p *types.Process) error {
	args, err := processArgs(p)
	if err != nil {
		return fmt.Errorf("encoding process %s: %w", p.ID, err)
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, replicateProcessSql, &sqlitex.ExecOptions{Args: args})
	})
}

func (s *LiteStore) Get(ctx context.Context, id string) (*types.Process, error) {
	processes, err := s.query(ctx, getProcessSql, id)
	if err != nil {
		return nil, err
	}
	if len(processes) == 0 {
		return nil, fmt.Errorf("process %s: %w", id, types.ErrNotFound)
	}
	return processes[0], nil
}

func (s *LiteStore) List(ctx context.Context, arg types.ListArg) ([]*types.Process, error) {
	if arg.Status != "" {
		return s.query(ctx, listProcessesByStatusSql, string(arg.Status), listLimit(arg))
	}
	return s.query(ctx, listProcessesSql, listLimit(arg))
}

func (s *LiteStore) FindReusable(ctx context.Context, command, host, checksum string) (*types.Process, error) {
	processes, err := s.query(ctx, findReusableSql, command, host, checksum)
	if err != nil {
		return nil, err
	}
	if len(processes) == 0 {
		return nil, types.ErrNotFound
	}
	return processes[0], nil
}

func (s *LiteStore) AddToken(ctx context.Context, id, tokenHash string) (bool, error) {
	return s.tokenUpdate(ctx, insertTokenSql, incrementTokenCountSql, id, tokenHash)
}

func (s *LiteStore) DeleteToken(ctx context.Context, id, tokenHash string) (bool, error) {
	return s.tokenUpdate(ctx, deleteTokenSql, decrementTokenCountSql, id, tokenHash)
}

// tokenUpdate runs tokenQuery and, only if it changed a row, countQuery, in
// one transaction.
func (s *LiteStore) tokenUpdate(ctx context.Context, tokenQuery, countQuery, id, tokenHash string) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, tokenQuery, &sqlitex.ExecOptions{Args: []any{id, tokenHash}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return nil
		}
		changed = true
		return sqlitex.Execute(conn, countQuery, &sqlitex.ExecOptions{Args: []any{id}})
	})
	return changed && err == nil, err
}

func (s *LiteStore) AddChild(ctx context.Context, parent, child string) (bool, error) {
	return s.execAffected(ctx, appendChildSql, parent, child)
}

func (s *LiteStore) Enqueue(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, enqueueProcessSql, id, now.UnixNano())
}

func (s *LiteStore) Start(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, startProcessSql, id, now.UnixNano())
}

func (s *LiteStore) Finish(ctx context.Context, id string, arg types.FinishArg, now time.Time) (bool, error) {
	args, err := finishArgs(id, arg, now)
	if err != nil {
		return false, err
	}
	return s.execAffected(ctx, finishProcessSql, args...)
}

func (s *LiteStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, touchProcessSql, id, now.UnixNano())
}

func (s *LiteStore) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (string, error) {
	var id string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, dequeueProcessSql, &sqlitex.ExecOptions{
			Args: []any{now.UnixNano(), now.Add(-lease).UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				return nil
			},
		})
	})
	return id, err
}

func (s *LiteStore) Heartbeat(ctx context.Context, id string, now time.Time) (types.ProcessStatus, error) {
	var status string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, heartbeatProcessSql, &sqlitex.ExecOptions{
			Args: []any{id, now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", fmt.Errorf("process %s: %w", id, types.ErrNotFound)
	}
	return types.ProcessStatus(status), nil
}

func (s *LiteStore) Stale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, staleProcessesSql, &sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano(), int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return ids, err
}

func (s *LiteStore) Unwanted(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, unwantedProcessesSql, &sqlitex.ExecOptions{
			Args: []any{int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return ids, err
}

func (s *LiteStore) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	changed := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		changed = conn.Changes() > 0
		return nil
	})
	return changed, err
}

func (s *LiteStore) query(ctx context.Context, query string, args ...any) ([]*types.Process, error) {
	var processes []*types.Process
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row := scanProcessRow(stmt)
				p, err := row.toProcess()
				if err != nil {
					return err
				}
				processes = append(processes, p)
				return nil
			},
		})
	})
	return processes, err
}

// scanProcessRow reads one result row selected with processColumns.
func scanProcessRow(stmt *sqlite.Stmt) processRow {
	return processRow{
		ID:          stmt.GetText("id"),
		Status:      stmt.GetText("status"),
		Host:        stmt.GetText("host"),
		Command:     stmt.GetText("command"),
		Checksum:    stmt.GetText("checksum"),
		Cacheable:   stmt.GetInt64("cacheable") != 0,
		Retry:       stmt.GetInt64("retry") != 0,
		Network:     stmt.GetInt64("network") != 0,
		Mounts:      stmt.GetText("mounts"),
		Stdin:       liteNullText(stmt, "stdin"),
		Stdout:      liteNullText(stmt, "stdout"),
		Stderr:      liteNullText(stmt, "stderr"),
		Children:    stmt.GetText("children"),
		Error:       liteNullText(stmt, "error"),
		Exit:        liteNullInt(stmt, "exit"),
		Output:      stmt.GetText("output"),
		CreatedAt:   stmt.GetInt64("created_at"),
		EnqueuedAt:  liteNullInt(stmt, "enqueued_at"),
		DequeuedAt:  liteNullInt(stmt, "dequeued_at"),
		StartedAt:   liteNullInt(stmt, "started_at"),
		FinishedAt:  liteNullInt(stmt, "finished_at"),
		HeartbeatAt: liteNullInt(stmt, "heartbeat_at"),
		TouchedAt:   liteNullInt(stmt, "touched_at"),
		TokenCount:  int(stmt.GetInt64("token_count")),
		Remote:      stmt.GetText("remote"),
	}
}

func liteNullText(stmt *sqlite.Stmt, column string) sql.NullString {
	i := stmt.ColumnIndex(column)
	if i < 0 || stmt.ColumnIsNull(i) {
		return sql.NullString{}
	}
	return sql.NullString{String: stmt.ColumnText(i), Valid: true}
}

func liteNullInt(stmt *sqlite.Stmt, column string) sql.NullInt64 {
	i := stmt.ColumnIndex(column)
	if i < 0 || stmt.ColumnIsNull(i) {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: stmt.ColumnInt64(i), Valid: true}
}
