package pagecache

import "errors"

var (
	// ErrUnknownDevice is returned when a PageId names a device the cache
	// was not configured with.
	ErrUnknownDevice = errors.New("pagecache: no device bound for device index")

	// ErrNoFreeFrame is returned when every frame is pinned and none can be
	// evicted to make room for a new load.
	ErrNoFreeFrame = errors.New("pagecache: no free frame (all frames pinned)")
)
