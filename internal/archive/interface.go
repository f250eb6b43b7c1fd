package archive

import (
	"context"
	"time"
)

// Recorder defines the core domain interface
type Recorder interface {
	Record(ctx context.Context, record *CycleRecord) error
	Close() error
}

// CycleRecord is one orchestrator cycle as persisted to the archive.
type CycleRecord struct {
	RunID         string
	Timestamp     time.Time
	Elapsed       time.Duration
	Row           int
	TargetCurrent float64
	Voltage       float64
	Current       float64
	Power         float64
	Fresh         bool
	State         string
}
