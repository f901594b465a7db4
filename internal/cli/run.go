// Package cli implements LLFS's command-line wrapper: create/info/trim/recover
// subcommands over an `llfs.jsonc` volume descriptor (spec.md §6 "CLI
// surface", an external collaborator whose only contract is exit 0 on
// success and nonzero with a stable error string on failure).
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// Run is the CLI entry point. Returns the process exit code. sigCh may be
// nil when signal handling isn't needed (e.g. in tests).
func Run(out, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("llfs", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})
	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	commands := allCommands()

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(out, commands)

		return 0
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	select {
	case exitCode := <-done:
		if exitCode != 0 {
			return exitCode
		}

		return cmdIO.Finish()
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		fprintln(errOut, "graceful shutdown ok (130)")

		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130
	}
}

// allCommands returns every subcommand in display order.
func allCommands() []*Command {
	return []*Command{
		CreateCmd(),
		InfoCmd(),
		TrimCmd(),
		RecoverCmd(),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: llfs [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, "  -h, --help             Show help")
	fprintln(w)
	fprintln(w, "Run 'llfs --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "llfs - low-level building blocks for external data structures on block storage")
	fprintln(w)
	fprintln(w, "Usage: llfs [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, "  -h, --help             Show help")
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
