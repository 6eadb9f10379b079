package jobs

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyClaimed    = errors.New("job already claimed")
	ErrOwnerRequired     = errors.New("owner is required")
)

// Failure codes persisted on failed jobs.
const (
	ErrorCodeEngineUnavailable   = "ENGINE_UNAVAILABLE"
	ErrorCodeEngineInvalidOutput = "ENGINE_INVALID_OUTPUT"
	ErrorCodeEngineError         = "ENGINE_ERROR"
	ErrorCodeEngineTimeout       = "ENGINE_TIMEOUT"
	ErrorCodeStorage             = "STORAGE_ERROR"
	ErrorCodeInternal            = "INTERNAL_ERROR"
	ErrorCodeStale               = "STALE_PROCESSING"
	ErrorCodeDispatch            = "DISPATCH_FAILED"
)
