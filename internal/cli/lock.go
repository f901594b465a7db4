package cli

import "time"

// lockTimeout bounds how long a CLI invocation waits to acquire the
// cross-process volume lock before giving up, mirroring the teacher's
// file-lock timeout for ticket writes.
const lockTimeout = 5 * time.Second
