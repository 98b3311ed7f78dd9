package main

import (
	"errors"
	"os"

	"github.com/flotilla-ai/flotilla/cmd/flotilla/cmd"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			if exit.Message != "" {
				os.Stderr.WriteString(exit.Message + "\n")
			}
			os.Exit(exit.Code)
		}
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
