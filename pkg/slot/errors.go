package slot

import "errors"

// Error classification sentinels.
//
// Implementations MAY wrap these with additional context via fmt.Errorf's
// %w verb. Callers MUST classify with errors.Is.
var (
	// ErrNoSpace is returned by Append when the reserved range would exceed
	// the log's capacity C given the current trim/commit window.
	ErrNoSpace = errors.New("slot: no space")

	// ErrCorrupt indicates a slot failed its checksum or structural
	// validation. Corruption is fatal to the LogDevice: see [LogDevice.Failed].
	ErrCorrupt = errors.New("slot: corrupt")

	// ErrClosed indicates an operation was attempted on a closed LogDevice.
	ErrClosed = errors.New("slot: closed")

	// ErrTrimBeforeFlush is returned by Trim when new_trim_pos > flush_pos.
	ErrTrimBeforeFlush = errors.New("slot: trim target is ahead of flush_pos")

	// ErrTrimLocked is returned by Trim when an outstanding SlotReadLock
	// covers a range below the requested trim target.
	ErrTrimLocked = errors.New("slot: trim would cross a held read lock")

	// ErrInvalidRange is returned when a slot range is malformed (hi < lo,
	// or outside the active window).
	ErrInvalidRange = errors.New("slot: invalid range")

	// ErrIOError wraps failures from the underlying storage backend.
	ErrIOError = errors.New("slot: io error")

	// ErrCancelled is returned by awaitables cancelled via context.
	ErrCancelled = errors.New("slot: cancelled")
)
