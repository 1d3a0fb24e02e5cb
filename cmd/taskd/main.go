package main

import (
	"fmt"
	"os"

	app "github.com/valter-silva-au/taskd/internal"
	"github.com/valter-silva-au/taskd/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	cli.Bootstrap = app.Bootstrap(version)

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatError(err))
		os.Exit(1)
	}
}
