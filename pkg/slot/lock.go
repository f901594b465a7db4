package slot

import "sync"

// ReadLock is a reference-counted handle pinning a half-open byte range
// [Lo, Hi) of a LogDevice's virtual offset space against Trim (spec.md §4.2).
//
// The zero value is not usable. Obtain one via [LogDevice.AcquireReadLock]
// and release it with [ReadLock.Release]; failing to release it blocks Trim
// indefinitely, per spec.md §5 "Scoped resources... require guaranteed
// release on all exit paths including cancellation".
type ReadLock struct {
	lo, hi int64
	dev    *LogDevice
	once   sync.Once
}

// Range returns the [lo, hi) interval this lock pins.
func (l *ReadLock) Range() (lo, hi int64) { return l.lo, l.hi }

// Release drops the lock. Safe to call more than once; only the first call
// has an effect.
func (l *ReadLock) Release() {
	l.once.Do(func() {
		l.dev.releaseReadLock(l)
	})
}

// readLockSet tracks all outstanding ReadLocks for a LogDevice so Trim can
// refuse to cross any of them.
type readLockSet struct {
	mu    sync.Mutex
	locks map[*ReadLock]struct{}
}

func newReadLockSet() *readLockSet {
	return &readLockSet{locks: make(map[*ReadLock]struct{})}
}

func (s *readLockSet) add(l *ReadLock) {
	s.mu.Lock()
	s.locks[l] = struct{}{}
	s.mu.Unlock()
}

func (s *readLockSet) remove(l *ReadLock) {
	s.mu.Lock()
	delete(s.locks, l)
	s.mu.Unlock()
}

// minLo returns the smallest lo among all outstanding locks, and whether any
// lock is held at all.
func (s *readLockSet) minLo() (lo int64, any bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := true

	for l := range s.locks {
		if first || l.lo < lo {
			lo = l.lo
			first = false
		}
	}

	return lo, !first
}
