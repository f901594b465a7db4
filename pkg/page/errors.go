package page

import "errors"

var (
	ErrNotFound       = errors.New("page: not found")
	ErrIOError        = errors.New("page: io error")
	ErrCorrupt        = errors.New("page: corrupt")
	ErrGenerationUsed = errors.New("page: generation mismatch on write")
	ErrOutOfRange     = errors.New("page: physical index out of range")
)
