// Package pagecache implements LLFS's PageCache: a multi-device,
// write-through cache keyed by PageId with at-most-one concurrent load per
// id and LRU-with-pinning eviction (spec.md §4.6).
//
// PageIds are immutable by construction (a write bumps the generation), so
// a cache entry never needs invalidation, only eviction and fail-retry.
package pagecache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/slot"
)

type slotState int

const (
	stateLoading slotState = iota
	stateReady
	stateFailed
)

// frame is one cache slot. A frame absent from Cache.index is the spec's
// Empty state; once created it is Loading until the backing read completes.
type frame struct {
	id    page.ID
	state slotState
	data  []byte
	err   error

	pin int32
	ref bool // CLOCK reference bit
}

// Config configures a Cache.
type Config struct {
	// Devices maps device index to the PageDevice the cache loads from on a
	// miss. A PageId naming an unbound device index is an error.
	Devices map[uint8]*page.Device

	// Capacity is the fixed number of frames the cache holds.
	Capacity int
}

// Cache is LLFS's PageCache: a fixed-capacity, multi-device cache of page
// bytes keyed by PageId, using a CLOCK approximation of LRU with pinning
// (pinned frames are never evicted) and at-most-one-concurrent-load
// coalescing via a condition variable parallel readers of a Loading frame
// wait on.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	devices map[uint8]*page.Device

	frames    []*frame
	index     map[page.ID]int
	clockHand int

	logr *slog.Logger
}

// Open creates a Cache bound to the given devices.
func Open(cfg Config) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 256
	}

	c := &Cache{
		devices: cfg.Devices,
		frames:  make([]*frame, capacity),
		index:   make(map[page.ID]int, capacity),
		logr:    slog.Default().With("component", "pagecache.Cache"),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *Cache) device(id page.ID) (*page.Device, error) {
	d, ok := c.devices[id.Device()]
	if !ok {
		return nil, ErrUnknownDevice
	}

	return d, nil
}

// Get returns id's page bytes, pinning the frame until release is called.
// If the page is not cached it is loaded from its PageDevice; concurrent
// Get calls for the same id coalesce on the in-flight load and share its
// result. The caller must call release exactly once, and only after it is
// done using data (the returned slice is not copied).
func (c *Cache) Get(ctx context.Context, id page.ID) (data []byte, release func(), err error) {
	if _, err := c.device(id); err != nil {
		return nil, nil, err
	}

	stop := context.AfterFunc(ctx, c.cond.Broadcast)
	defer stop()

	c.mu.Lock()

	for {
		idx, ok := c.index[id]
		if !ok {
			break
		}

		f := c.frames[idx]

		switch f.state {
		case stateLoading:
			if ctx.Err() != nil {
				c.mu.Unlock()
				return nil, nil, slot.ErrCancelled
			}
			c.cond.Wait()
			continue
		case stateReady:
			f.pin++
			f.ref = true
			data, err := f.data, error(nil)
			c.mu.Unlock()
			return data, c.releaseFunc(id), err
		case stateFailed:
			// Fail-retry: drop the failed frame and fall through to load it
			// again, rather than caching the error forever.
			delete(c.index, id)
			c.frames[idx] = nil
		}

		break
	}

	idx, err := c.reserveFrameLocked(id)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}

	c.mu.Unlock()

	dev, _ := c.device(id)
	payload, loadErr := dev.Read(id)

	c.mu.Lock()
	f := c.frames[idx]
	if loadErr != nil {
		f.state = stateFailed
		f.err = loadErr
	} else {
		f.state = stateReady
		f.data = payload
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if loadErr != nil {
		c.mu.Lock()
		// Drop the failed frame immediately: nothing pins a load error.
		delete(c.index, id)
		c.frames[idx] = nil
		c.mu.Unlock()
		return nil, nil, loadErr
	}

	return payload, c.releaseFunc(id), nil
}

// Put inserts payload as id's Ready cache entry directly, without a device
// read, pinned once on behalf of the caller. Volume commit uses this for
// newly-written pages: the write-through path populates the cache with the
// bytes already written to the PageDevice instead of re-reading them.
func (c *Cache) Put(id page.ID, payload []byte) (release func(), err error) {
	if _, err := c.device(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.index[id]; ok {
		c.frames[idx] = nil
		delete(c.index, id)
	}

	idx, err := c.reserveFrameLocked(id)
	if err != nil {
		return nil, err
	}

	f := c.frames[idx]
	f.state = stateReady
	f.data = payload
	c.cond.Broadcast()

	return c.releaseFunc(id), nil
}

// reserveFrameLocked creates a Loading, pinned frame for id, evicting a
// victim if the cache is full. Must be called with c.mu held.
func (c *Cache) reserveFrameLocked(id page.ID) (int, error) {
	idx := c.freeIndexLocked()
	if idx < 0 {
		var err error
		idx, err = c.pickVictimLocked()
		if err != nil {
			return -1, err
		}

		victim := c.frames[idx]
		delete(c.index, victim.id)
	}

	c.frames[idx] = &frame{id: id, state: stateLoading, pin: 1, ref: true}
	c.index[id] = idx

	return idx, nil
}

func (c *Cache) freeIndexLocked() int {
	for i, f := range c.frames {
		if f == nil {
			return i
		}
	}
	return -1
}

// pickVictimLocked runs a CLOCK sweep for an unpinned frame, clearing the
// reference bit of pinned-or-recently-used frames it passes over.
func (c *Cache) pickVictimLocked() (int, error) {
	n := len(c.frames)
	if n == 0 {
		return -1, ErrNoFreeFrame
	}

	for scanned := 0; scanned < 2*n; scanned++ {
		idx := c.clockHand
		c.clockHand = (c.clockHand + 1) % n

		f := c.frames[idx]
		if f == nil {
			return idx, nil
		}

		if f.pin > 0 {
			continue
		}

		if f.ref {
			f.ref = false
			continue
		}

		return idx, nil
	}

	return -1, ErrNoFreeFrame
}

func (c *Cache) releaseFunc(id page.ID) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			if idx, ok := c.index[id]; ok {
				f := c.frames[idx]
				if f != nil && f.pin > 0 {
					f.pin--
				}
			}
		})
	}
}

// Pinned reports whether id currently has a pinned, cached frame. Exposed
// for tests and diagnostics.
func (c *Cache) Pinned(id page.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[id]
	if !ok {
		return false
	}

	return c.frames[idx].pin > 0
}
