package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/llfs-go/llfs/internal/llfsid"
)

// DeviceConfig describes one PageDevice plus the PageAllocator that tracks
// it, both owned by the Volume this config file describes.
type DeviceConfig struct {
	Index            uint8  `json:"index"`
	PagePath         string `json:"page_path"`
	PageSize         int    `json:"page_size"`
	PageCount        uint32 `json:"page_count"`
	UseMmap          bool   `json:"use_mmap,omitempty"`
	AllocPath        string `json:"alloc_path"`
	AllocLogCapacity int64  `json:"alloc_log_capacity"`
}

// Config is the on-disk shape of an `llfs.jsonc` volume descriptor: the
// volume's own log plus every PageDevice/PageAllocator pair it binds
// (spec.md §6 "CLI surface"; SPEC_FULL.md §6 expansion).
type Config struct {
	LogPath     string         `json:"log_path"`
	LogCapacity int64          `json:"log_capacity"`
	Devices     []DeviceConfig `json:"devices"`
}

var (
	errConfigFileRead  = errors.New("cannot read config file")
	errConfigInvalid   = errors.New("invalid config file")
	errLogPathRequired = errors.New("log_path is required")
	errLogCapacityZero = errors.New("log_capacity must be > 0")
	errNoDevices       = errors.New("at least one device is required")
	errDeviceIndex     = errors.New("device index must be in [0, 255] and unique")
	errPagePath        = errors.New("device page_path is required")
	errPageSize        = errors.New("device page_size must be a power of two >= 512")
	errPageCount       = errors.New("device page_count must be > 0")
	errAllocPath       = errors.New("device alloc_path is required")
	errAllocCapacity   = errors.New("device alloc_log_capacity must be > 0")
)

// LoadConfig reads and validates an `llfs.jsonc` volume descriptor. JSONC
// (JSON with comments/trailing commas) is accepted, standardized to plain
// JSON before decoding, mirroring the teacher's config loader.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.LogPath == "" {
		return errLogPathRequired
	}

	if cfg.LogCapacity <= 0 {
		return errLogCapacityZero
	}

	if len(cfg.Devices) == 0 {
		return errNoDevices
	}

	seen := make(map[uint8]bool, len(cfg.Devices))

	for _, d := range cfg.Devices {
		if seen[d.Index] {
			return errDeviceIndex
		}

		seen[d.Index] = true

		if d.PagePath == "" {
			return errPagePath
		}

		if d.PageSize < 512 || d.PageSize&(d.PageSize-1) != 0 {
			return errPageSize
		}

		if d.PageCount == 0 {
			return errPageCount
		}

		if d.AllocPath == "" {
			return errAllocPath
		}

		if d.AllocLogCapacity <= 0 {
			return errAllocCapacity
		}
	}

	return nil
}

// volumeIDSidecarPath returns the host-level control file holding a
// config's stable VolumeID. It lives outside the injectable pkg/fs
// boundary, the same split the teacher draws between its own
// internal/store data files (behind fs.FS) and root-level control files
// written directly with natefinch/atomic.
func volumeIDSidecarPath(configPath string) string {
	return configPath + ".volume-id"
}

// CreateVolumeID mints a fresh VolumeID and persists it next to configPath.
// It fails if a VolumeID already exists there, since a VolumeID must stay
// stable across restarts (spec.md §4.7) and "create" is only ever run once
// per volume.
func CreateVolumeID(configPath string) (llfsid.ID, error) {
	sidecar := volumeIDSidecarPath(configPath)

	if _, err := os.Stat(sidecar); err == nil {
		return llfsid.ID{}, fmt.Errorf("volume id already exists at %s", sidecar)
	}

	id, err := llfsid.New()
	if err != nil {
		return llfsid.ID{}, err
	}

	if err := atomic.WriteFile(sidecar, bytes.NewReader(id[:])); err != nil {
		return llfsid.ID{}, fmt.Errorf("writing volume id: %w", err)
	}

	return id, nil
}

// LoadVolumeID reads back the VolumeID persisted by CreateVolumeID.
func LoadVolumeID(configPath string) (llfsid.ID, error) {
	data, err := os.ReadFile(volumeIDSidecarPath(configPath)) //nolint:gosec // operator-supplied path
	if err != nil {
		return llfsid.ID{}, fmt.Errorf("reading volume id (run 'llfs create' first): %w", err)
	}

	return llfsid.Parse(data)
}
