package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"dischargectl/internal/errors"
	"dischargectl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

type Repository interface {
	Store(ctx context.Context, record *CycleRecord) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing run archive at: %s", cfg.DBPath)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, errFactory.Wrap(ErrStorageInit, err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func (r *sqliteRepository) Store(ctx context.Context, record *CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errFactory := errors.New()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO cycles (
            run_id, timestamp, elapsed_seconds, row,
            target_current, voltage, current, power,
            fresh, state
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		record.RunID,
		record.Timestamp.UnixMilli(),
		record.Elapsed.Seconds(),
		record.Row,
		record.TargetCurrent,
		record.Voltage,
		record.Current,
		record.Power,
		boolToInt(record.Fresh),
		record.State,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}
