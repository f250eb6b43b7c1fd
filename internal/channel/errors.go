package channel

import "dischargectl/internal/errors"

const (
	// Communication errors
	ErrWriteFailed = errors.ErrorCode("channel_write_failed")
	ErrQueryFailed = errors.ErrorCode("channel_query_failed")

	// Setpoint errors
	ErrVerifyMismatch = errors.ErrorCode("setpoint_verification_mismatch")

	// Measurement errors
	ErrMeasureFailed = errors.ErrorCode("channel_measure_failed")
	ErrOutOfRange    = errors.ErrorCode("measurement_out_of_range")

	// Session errors
	ErrSetupFailed = errors.ErrorCode("channel_setup_failed")
)
