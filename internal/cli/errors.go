package cli

import "errors"

// errWrongArgs is returned by a subcommand's Exec when it receives the
// wrong number of positional arguments after flag parsing.
var errWrongArgs = errors.New("wrong number of arguments")
