package volume

import "errors"

var (
	// ErrJobClosed is returned by any Job method called after Commit or
	// Rollback.
	ErrJobClosed = errors.New("volume: job closed")

	// ErrUnknownDevice is returned when a Job or Volume operation names a
	// device index the Volume was not configured with.
	ErrUnknownDevice = errors.New("volume: no binding for device index")

	// ErrCorrupt marks a structurally invalid Prepare/Commit record.
	ErrCorrupt = errors.New("volume: corrupt record")
)
