package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/slot"
)

// RecoverCmd forces a full open-time recovery pass over a volume's log,
// page devices and allocators, and reports the recovered state. Opening
// each component already runs its recovery (spec.md §4.1/§4.3/§4.4); this
// subcommand exists so an operator can drive that pass and inspect its
// outcome without wiring an application on top.
func RecoverCmd() *Command {
	flags := flag.NewFlagSet("recover", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "recover <config>",
		Short: "Replay a volume's log, page devices and allocators, reporting recovered state",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one <config> argument", errWrongArgs)
			}

			return runRecover(o, args[0])
		},
	}
}

func runRecover(o *IO, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.LockWithTimeout(cfg.LogPath+".cli-lock", lockTimeout)
	if err != nil {
		return fmt.Errorf("locking volume for recovery: %w", err)
	}

	defer func() { _ = lock.Close() }()

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: fs.NewReal(), Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("recovering volume log: %w", err)
	}

	defer func() { _ = log.Close() }()

	trimPos, flushPos, commitPos := log.Positions()
	if !(trimPos <= flushPos && flushPos <= commitPos && commitPos-trimPos <= log.Capacity()) {
		return fmt.Errorf("recovered log violates invariant: trim=%d flush=%d commit=%d capacity=%d",
			trimPos, flushPos, commitPos, log.Capacity())
	}

	o.Printf("log recovered: trim=%d flush=%d commit=%d\n", trimPos, flushPos, commitPos)

	for _, d := range cfg.Devices {
		if err := recoverDevice(o, d); err != nil {
			return fmt.Errorf("device %d: %w", d.Index, err)
		}
	}

	return nil
}

func recoverDevice(o *IO, d DeviceConfig) error {
	dev, err := page.Open(page.Config{
		DeviceIndex: d.Index,
		PageSize:    d.PageSize,
		PageCount:   d.PageCount,
		FS:          fs.NewReal(),
		Path:        d.PagePath,
		UseMmap:     d.UseMmap,
	})
	if err != nil {
		return fmt.Errorf("recovering page device: %w", err)
	}

	defer func() { _ = dev.Close() }()

	alloc, err := pagealloc.Open(pagealloc.Config{
		DeviceIndex: d.Index,
		PageCount:   d.PageCount,
		LogCapacity: d.AllocLogCapacity,
		FS:          fs.NewReal(),
		Path:        d.AllocPath,
	})
	if err != nil {
		return fmt.Errorf("recovering allocator: %w", err)
	}

	defer func() { _ = alloc.Close() }()

	o.Printf("device %d recovered: page device and allocator opened cleanly\n", d.Index)

	return nil
}
