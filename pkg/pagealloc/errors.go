package pagealloc

import "errors"

var (
	ErrExhausted      = errors.New("pagealloc: no free physical index")
	ErrUnknownClient  = errors.New("pagealloc: client is not attached")
	ErrAttachmentFull = errors.New("pagealloc: attachments table is full")
	ErrOverflow       = errors.New("pagealloc: refcount delta overflows")
	ErrSlotRegression = errors.New("pagealloc: update slot is not monotone")
	ErrCorrupt        = errors.New("pagealloc: corrupt record")
)
