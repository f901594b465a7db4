package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/slot"
)

var errAlreadyExists = errors.New("already exists")

// CreateCmd initializes a Volume's log, PageDevices and PageAllocators on
// disk, from a freshly-written `llfs.jsonc` config, and mints the VolumeID
// the Volume will use as its attachment identity for the rest of its life.
func CreateCmd() *Command {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "create <config>",
		Short: "Initialize a volume's log, page devices and allocators on disk",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one <config> argument", errWrongArgs)
			}

			return runCreate(o, args[0])
		},
	}
}

func runCreate(o *IO, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	if _, err := fs.NewReal().Stat(cfg.LogPath); err == nil {
		return fmt.Errorf("%w: %s", errAlreadyExists, cfg.LogPath)
	}

	volumeID, err := CreateVolumeID(configPath)
	if err != nil {
		return err
	}

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: fs.NewReal(), Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("creating volume log: %w", err)
	}

	if err := log.Close(); err != nil {
		return fmt.Errorf("closing volume log: %w", err)
	}

	for _, d := range cfg.Devices {
		if err := createDevice(d); err != nil {
			return fmt.Errorf("device %d: %w", d.Index, err)
		}
	}

	o.Println("volume_id:", volumeID.String())
	o.Printf("log: %s (capacity %d)\n", cfg.LogPath, cfg.LogCapacity)

	for _, d := range cfg.Devices {
		o.Printf("device %d: %s (%d x %d bytes), allocator: %s (capacity %d)\n",
			d.Index, d.PagePath, d.PageCount, d.PageSize, d.AllocPath, d.AllocLogCapacity)
	}

	return nil
}

func createDevice(d DeviceConfig) error {
	dev, err := page.Open(page.Config{
		DeviceIndex: d.Index,
		PageSize:    d.PageSize,
		PageCount:   d.PageCount,
		FS:          fs.NewReal(),
		Path:        d.PagePath,
		UseMmap:     d.UseMmap,
	})
	if err != nil {
		return fmt.Errorf("creating page device: %w", err)
	}

	if err := dev.Close(); err != nil {
		return fmt.Errorf("closing page device: %w", err)
	}

	alloc, err := pagealloc.Open(pagealloc.Config{
		DeviceIndex: d.Index,
		PageCount:   d.PageCount,
		LogCapacity: d.AllocLogCapacity,
		FS:          fs.NewReal(),
		Path:        d.AllocPath,
	})
	if err != nil {
		return fmt.Errorf("creating allocator: %w", err)
	}

	return alloc.Close()
}
