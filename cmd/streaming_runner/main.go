// Package main is the entry point for the streaming_runner CLI.
package main

import (
	"os"

	"github.com/amalgiving/amaldata/cmd/streaming_runner/commands"
)

func main() {
	os.Exit(commands.Execute())
}
