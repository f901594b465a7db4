package recycler

import "errors"

var (
	ErrDepthExceeded  = errors.New("recycler: max_depth exceeded")
	ErrFanoutExceeded = errors.New("recycler: max_branching_factor exceeded")
	ErrCorrupt        = errors.New("recycler: corrupt state record")
	ErrUnknownDevice  = errors.New("recycler: no binding for device index")
)
