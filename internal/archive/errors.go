package archive

import "dischargectl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("archive_invalid_config")
	ErrInvalidDBPath = errors.ErrorCode("archive_invalid_db_path")

	// Recording Errors
	ErrRecordFailed  = errors.ErrorCode("archive_record_failed")
	ErrInvalidRecord = errors.ErrorCode("archive_invalid_record")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("archive_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("archive_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("archive_storage_close_failed")

	// Operation Errors
	ErrOperationTimeout = errors.ErrorCode("archive_operation_timeout")
	ErrServiceShutdown  = errors.ErrorCode("archive_service_shutdown_failed")
)
