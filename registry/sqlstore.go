package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/tangram/types"
)

// SQLStore is the database/sql backed Store, running on go-sqlite3.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore connects to the SQLite database at path. Transactions take
// the write lock up front and concurrent writers wait instead of failing.
func OpenSQLStore(path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	return NewSQLStore(db), nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, processSchema)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Insert(ctx context.Context, p *types.Process, tokenHash string) error {
	args, err := processArgs(p)
	if err != nil {
		return fmt.Errorf("encoding process %s: %w", p.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertProcessSql, args...); err != nil {
		return fmt.Errorf("inserting process %s: %w", p.ID, err)
	}
	if tokenHash != "" {
		if _, err := tx.ExecContext(ctx, insertTokenSql, p.ID, tokenHash); err != nil {
			return fmt.Errorf("inserting token for %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Replicate(ctx context.Context, p *types.Process) error {
	args, err := processArgs(p)
	if err != nil {
		return fmt.Errorf("encoding process %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, replicateProcessSql, args...)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.Process, error) {
	var row processRow
	err := s.db.GetContext(ctx, &row, getProcessSql, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toProcess()
}

func (s *SQLStore) List(ctx context.Context, arg types.ListArg) ([]*types.Process, error) {
	var rows []processRow
	var err error
	if arg.Status != "" {
		err = s.db.SelectContext(ctx, &rows, listProcessesByStatusSql, string(arg.Status), listLimit(arg))
	} else {
		err = s.db.SelectContext(ctx, &rows, listProcessesSql, listLimit(arg))
	}
	if err != nil {
		return nil, err
	}
	return toProcesses(rows)
}

func (s *SQLStore) FindReusable(ctx context.Context, command, host, checksum string) (*types.Process, error) {
	var row processRow
	err := s.db.GetContext(ctx, &row, findReusableSql, command, host, checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toProcess()
}

func (s *SQLStore) AddToken(ctx context.Context, id, tokenHash string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, insertTokenSql, id, tokenHash)
	if err != nil {
		return false, err
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, incrementTokenCountSql, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLStore) DeleteToken(ctx context.Context, id, tokenHash string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, deleteTokenSql, id, tokenHash)
	if err != nil {
		return false, err
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, decrementTokenCountSql, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLStore) AddChild(ctx context.Context, parent, child string) (bool, error) {
	return s.execAffected(ctx, appendChildSql, parent, child)
}

func (s *SQLStore) Enqueue(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, enqueueProcessSql, id, now.UnixNano())
}

func (s *SQLStore) Start(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, startProcessSql, id, now.UnixNano())
}

func (s *SQLStore) Finish(ctx context.Context, id string, arg types.FinishArg, now time.Time) (bool, error) {
	args, err := finishArgs(id, arg, now)
	if err != nil {
		return false, err
	}
	return s.execAffected(ctx, finishProcessSql, args...)
}

func (s *SQLStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execAffected(ctx, touchProcessSql, id, now.UnixNano())
}

func (s *SQLStore) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, dequeueProcessSql, now.UnixNano(), now.Add(-lease).UnixNano()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *SQLStore) Heartbeat(ctx context.Context, id string, now time.Time) (types.ProcessStatus, error) {
	var status string
	err := s.db.QueryRowxContext(ctx, heartbeatProcessSql, id, now.UnixNano()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("process %s: %w", id, types.ErrNotFound)
	}
	return types.ProcessStatus(status), err
}

func (s *SQLStore) Stale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, staleProcessesSql, cutoff.UnixNano(), int64(limit))
	return ids, err
}

func (s *SQLStore) Unwanted(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, unwantedProcessesSql, int64(limit))
	return ids, err
}

func (s *SQLStore) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func toProcesses(rows []processRow) ([]*types.Process, error) {
	processes := make([]*types.Process, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProcess()
		if err != nil {
			return nil, err
		}
		processes = append(processes, p)
	}
	return processes, nil
}
