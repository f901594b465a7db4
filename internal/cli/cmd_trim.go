package cli

import (
	"context"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/slot"
)

// TrimCmd advances a volume log's trim_pos, failing with the same
// SlotReadLock/ordering errors LogDevice.Trim itself returns (spec.md
// §4.1).
func TrimCmd() *Command {
	flags := flag.NewFlagSet("trim", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "trim <config> <new-trim-pos>",
		Short: "Advance the volume log's trim_pos",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: expected <config> and <new-trim-pos>", errWrongArgs)
			}

			newTrimPos, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid <new-trim-pos> %q: %w", args[1], err)
			}

			return runTrim(o, args[0], newTrimPos)
		},
	}
}

func runTrim(o *IO, configPath string, newTrimPos int64) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.LockWithTimeout(cfg.LogPath+".cli-lock", lockTimeout)
	if err != nil {
		return fmt.Errorf("locking volume for trim: %w", err)
	}

	defer func() { _ = lock.Close() }()

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: fs.NewReal(), Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("opening volume log: %w", err)
	}

	defer func() { _ = log.Close() }()

	if err := log.Trim(newTrimPos); err != nil {
		return fmt.Errorf("trim: %w", err)
	}

	trimPos, flushPos, commitPos := log.Positions()
	o.Printf("log: trim=%d flush=%d commit=%d\n", trimPos, flushPos, commitPos)

	return nil
}
