package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	logx "taskforge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRuns    int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRuns: cfg.MaxRuns, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTasks(ctx context.Context, recs []TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks(id, name, priority, next_run, cron, period_ms, async, distributed, resource_id,
		                   max_retries, retry_strategy, retry_count, state, expires_at, dependencies)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		deps, err := json.Marshal(r.Dependencies)
		if err != nil {
			return err
		}
		if len(r.Dependencies) == 0 {
			deps = nil
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Name, r.Priority, r.NextRun.UTC().Format(time.RFC3339Nano), nullStr(r.Cron), r.PeriodMS,
			boolInt(r.Async), boolInt(r.Distributed), nullStr(r.ResourceID),
			r.MaxRetries, r.RetryStrategy, r.RetryCount, r.State, nullTime(r.ExpiresAt), nullBytes(deps),
		); err != nil {
			return fmt.Errorf("save task %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, priority, next_run, cron, period_ms, async, distributed, resource_id,
		        max_retries, retry_strategy, retry_count, state, expires_at, dependencies
		 FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r                  TaskRecord
			nextRun            string
			cron, res, deps    sql.NullString
			async, distributed int
			expires            sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &nextRun, &cron, &r.PeriodMS, &async, &distributed, &res,
			&r.MaxRetries, &r.RetryStrategy, &r.RetryCount, &r.State, &expires, &deps); err != nil {
			return nil, err
		}
		if r.NextRun, err = time.Parse(time.RFC3339Nano, nextRun); err != nil {
			return nil, fmt.Errorf("task %s: next_run: %w", r.ID, err)
		}
		r.Cron, r.ResourceID = cron.String, res.String
		r.Async, r.Distributed = async != 0, distributed != 0
		if expires.Valid {
			r.ExpiresAt = time.Unix(0, expires.Int64)
		}
		if deps.Valid && deps.String != "" {
			if err := sonic.UnmarshalString(deps.String, &r.Dependencies); err != nil {
				return nil, fmt.Errorf("task %s: dependencies: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	kept, dropped := filterExpired(out, time.Now())
	if dropped > 0 {
		s.log.Debug("dropped expired task records", logx.Int("count", dropped))
	}
	return kept, nil
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r = r.clipped()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, task_id, name, resource_id, outcome, err, attempt, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.TaskID, r.Name, nullStr(r.ResourceID), r.Outcome, nullStr(r.Error), r.Attempt, r.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Any("err", perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.maxRuns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, name, resource_id, outcome, err, attempt, took_ms
		 FROM (SELECT * FROM runs ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			at       string
			res, msg sql.NullString
		)
		if err := rows.Scan(&at, &r.TaskID, &r.Name, &res, &r.Outcome, &msg, &r.Attempt, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.ResourceID, r.Error = res.String, msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT seq FROM runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`, s.maxRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
