// Command llfs is the CLI wrapper over LLFS volumes: create, info, trim and
// recover (spec.md §6).
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/llfs-go/llfs/internal/cli"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdout, os.Stderr, os.Args, sigCh)

	os.Exit(exitCode)
}
