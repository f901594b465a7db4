package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/slot"
)

// InfoCmd prints a volume's current durable state: its log pointers and,
// per device, a refcount census (free / garbage / live, per spec.md §3's
// PageAllocator state).
func InfoCmd() *Command {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "info <config>",
		Short: "Print a volume's log pointers and per-device refcount census",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one <config> argument", errWrongArgs)
			}

			return runInfo(o, args[0])
		},
	}
}

func runInfo(o *IO, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	volumeID, err := LoadVolumeID(configPath)
	if err != nil {
		return err
	}

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: fs.NewReal(), Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("opening volume log: %w", err)
	}

	defer func() { _ = log.Close() }()

	trimPos, flushPos, commitPos := log.Positions()

	o.Println("volume_id:", volumeID.String())
	o.Printf("log: trim=%d flush=%d commit=%d capacity=%d\n", trimPos, flushPos, commitPos, log.Capacity())

	for _, d := range cfg.Devices {
		if err := reportDevice(o, d); err != nil {
			return fmt.Errorf("device %d: %w", d.Index, err)
		}
	}

	return nil
}

func reportDevice(o *IO, d DeviceConfig) error {
	alloc, err := pagealloc.Open(pagealloc.Config{
		DeviceIndex: d.Index,
		PageCount:   d.PageCount,
		LogCapacity: d.AllocLogCapacity,
		FS:          fs.NewReal(),
		Path:        d.AllocPath,
	})
	if err != nil {
		return fmt.Errorf("opening allocator: %w", err)
	}

	defer func() { _ = alloc.Close() }()

	var free, garbage, live uint32

	for idx := uint32(0); idx < d.PageCount; idx++ {
		switch rc := alloc.Refcount(idx); {
		case rc == 0:
			free++
		case rc == 1:
			garbage++
		default:
			live++
		}
	}

	o.Printf("device %d: %d free, %d garbage, %d live (of %d)\n", d.Index, free, garbage, live, d.PageCount)

	return nil
}
