package archive

import (
	"database/sql"

	"dischargectl/internal/errors"
)

// initSchema initializes the database schema for the run archive.
func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS cycles (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            elapsed_seconds REAL,
            row INTEGER,
            target_current REAL,
            voltage REAL,
            current REAL,
            power REAL,
            fresh INTEGER,
            state TEXT
        );
        CREATE INDEX IF NOT EXISTS idx_cycles_run ON cycles(run_id, row);
    `)
	if err != nil {
		return errors.New().Wrap(ErrStorageInit, err)
	}

	return nil
}
