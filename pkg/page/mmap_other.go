//go:build !unix

package page

import (
	"errors"

	"github.com/llfs-go/llfs/pkg/fs"
)

var errMmapUnsupported = errors.New("page: mmap backend is only available on unix")

func newMmapIfSupported(fs.FS, string, int, uint32) (backend, error) {
	return nil, errMmapUnsupported
}
