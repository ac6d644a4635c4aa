// Command agent runs the sandbox agent from the command line.
package main

import (
	"os"

	"github.com/mfateev/sandbox-agent/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
