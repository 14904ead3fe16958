// Command quill runs the event-sourced notebook engine: a server with
// an HTTP API and websocket stream, plus log maintenance commands.
package main

import (
	"os"

	"github.com/roach88/quill/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
