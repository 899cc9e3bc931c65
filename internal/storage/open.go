package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskforge/pkg/logx"
)

// Store is the persistence API used by the scheduler and the app.
type Store interface {
	// SaveTasks replaces the persisted snapshot with recs.
	SaveTasks(ctx context.Context, recs []TaskRecord) error
	// LoadTasks returns the persisted snapshot without expired records.
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
	// PruneExpired deletes records expired at now and reports how many.
	PruneExpired(ctx context.Context, now time.Time) (int, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest last.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = defaultMaxRuns
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
