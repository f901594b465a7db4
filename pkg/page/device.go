package page

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/pkg/fs"
)

// Config configures a Device.
type Config struct {
	// DeviceIndex is this device's 8-bit identity, embedded in every ID it
	// mints (spec.md §3).
	DeviceIndex uint8

	// PageSize is the fixed payload size in bytes, a power of two >= 512
	// (spec.md §4.3).
	PageSize int

	// PageCount is the fixed number of physical slots.
	PageCount uint32

	// FS and Path select a file-backed device; if either is zero, an
	// in-memory backend is used (suitable for tests).
	FS   fs.FS
	Path string

	// UseMmap selects the memory-mapped backend instead of Seek+Read/Write
	// I/O (unix only: on other platforms Open fails for a file-backed device
	// with UseMmap set; ignored for in-memory devices).
	UseMmap bool
}

// Device is a fixed-size, random-access page store addressed by physical
// index and generation (spec.md §4.3). Reads and writes are keyed by ID;
// a read whose generation does not match the currently-live generation for
// that physical index fails with ErrNotFound.
type Device struct {
	mu      sync.RWMutex
	backend backend
	cfg     Config
	liveGen []uint32 // liveGen[idx] is the generation of the last successful write, 0 if never written
	log     *slog.Logger
}

// Open creates or reopens a Device, recovering each physical index's live
// generation from the frame headers already on disk (the generation travels
// with the header even across a Drop, so recovery needs no side channel).
func Open(cfg Config) (*Device, error) {
	if cfg.PageSize < 512 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("page: page size %d must be a power of two >= 512", cfg.PageSize)
	}

	if cfg.PageCount == 0 {
		return nil, fmt.Errorf("page: page count must be > 0")
	}

	fsize := frameSize(cfg.PageSize)

	var be backend

	var err error

	switch {
	case cfg.FS != nil && cfg.Path != "" && cfg.UseMmap:
		be, err = newMmapIfSupported(cfg.FS, cfg.Path, fsize, cfg.PageCount)
	case cfg.FS != nil && cfg.Path != "":
		be, err = newFileBackend(cfg.FS, cfg.Path, fsize, cfg.PageCount)
	default:
		be = newMemBackend(fsize, cfg.PageCount)
	}

	if err != nil {
		return nil, err
	}

	d := &Device{
		backend: be,
		cfg:     cfg,
		liveGen: make([]uint32, cfg.PageCount),
		log:     slog.Default().With("component", "page.Device", "device_index", cfg.DeviceIndex),
	}

	for idx := uint32(0); idx < cfg.PageCount; idx++ {
		raw, err := be.readSlot(idx)
		if err != nil {
			return nil, fmt.Errorf("page: recover slot %d: %w", idx, err)
		}

		frame, err := decodeFrame(raw, cfg.PageSize)
		if err != nil {
			// An unwritten slot's all-zero bytes decode as id=0 generation=0,
			// empty=true; anything else failing here is genuine corruption.
			return nil, fmt.Errorf("page: recover slot %d: %w", idx, err)
		}

		d.liveGen[idx] = frame.id.Generation()
	}

	d.log.Debug("opened", "page_size", cfg.PageSize, "page_count", cfg.PageCount)

	return d, nil
}

// NextGeneration reports the generation a write to idx must present next
// (one more than the generation of the last successful write to idx).
func (d *Device) NextGeneration(idx uint32) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.liveGen[idx] + 1
}

// Read returns the payload stored at id, or ErrNotFound if id's generation
// no longer matches the physical index's live generation (spec.md §4.3).
func (d *Device) Read(id ID) ([]byte, error) {
	if id.Device() != d.cfg.DeviceIndex {
		return nil, fmt.Errorf("%w: id belongs to device %d, not %d", ErrNotFound, id.Device(), d.cfg.DeviceIndex)
	}

	idx := id.PhysicalIndex()
	if idx >= d.cfg.PageCount {
		return nil, ErrOutOfRange
	}

	raw, err := d.backend.readSlot(idx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOError, err)
	}

	frame, err := decodeFrame(raw, d.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	if frame.empty || frame.id != id {
		return nil, ErrNotFound
	}

	return frame.payload, nil
}

// Write stores payload (which must be exactly PageSize bytes) at id's
// physical index. id's generation must be exactly one more than the index's
// current live generation — the PageAllocator is the only caller expected to
// mint such IDs, via allocate(); any other generation is a programming error
// and returns ErrGenerationUsed rather than silently overwriting live data.
func (d *Device) Write(id ID, payload []byte) error {
	if id.Device() != d.cfg.DeviceIndex {
		return fmt.Errorf("page: id belongs to device %d, not %d", id.Device(), d.cfg.DeviceIndex)
	}

	idx := id.PhysicalIndex()
	if idx >= d.cfg.PageCount {
		return ErrOutOfRange
	}

	if len(payload) != d.cfg.PageSize {
		return fmt.Errorf("page: payload is %d bytes, want %d", len(payload), d.cfg.PageSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id.Generation() != d.liveGen[idx]+1 {
		return fmt.Errorf("%w: index %d is at generation %d, id requests %d", ErrGenerationUsed, idx, d.liveGen[idx], id.Generation())
	}

	if err := d.backend.writeSlot(idx, encodeFrame(id, payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrIOError, err)
	}

	d.liveGen[idx] = id.Generation()

	return nil
}

// Drop clears the physical content at id without changing its generation:
// the slot becomes ErrNotFound to Read, but the next Write must still
// present generation+1, exactly as if the content were still live. This
// matches spec.md §4.5 step 4's "also drop its physical page" once a page's
// refcount reaches zero.
func (d *Device) Drop(id ID) error {
	if id.Device() != d.cfg.DeviceIndex {
		return fmt.Errorf("page: id belongs to device %d, not %d", id.Device(), d.cfg.DeviceIndex)
	}

	idx := id.PhysicalIndex()
	if idx >= d.cfg.PageCount {
		return ErrOutOfRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id.Generation() != d.liveGen[idx] {
		return fmt.Errorf("%w: index %d is at generation %d, drop requests %d", ErrNotFound, idx, d.liveGen[idx], id.Generation())
	}

	if err := d.backend.writeSlot(idx, emptyFrame(id, d.cfg.PageSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrIOError, err)
	}

	return nil
}

// PageSize returns the configured page size.
func (d *Device) PageSize() int { return d.cfg.PageSize }

// PageCount returns the configured physical slot count.
func (d *Device) PageCount() uint32 { return d.cfg.PageCount }

// DeviceIndex returns this device's 8-bit identity.
func (d *Device) DeviceIndex() uint8 { return d.cfg.DeviceIndex }

// Close releases the backing storage.
func (d *Device) Close() error { return d.backend.close() }
