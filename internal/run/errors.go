package run

import "dischargectl/internal/errors"

const (
	ErrNotReady       = errors.ErrorCode("run_not_ready")
	ErrAlreadyRunning = errors.ErrorCode("run_already_running")
	ErrSinkFailed     = errors.ErrorCode("run_log_sink_failed")
)
