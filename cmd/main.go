package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.3.0" -o lotab-harness ./cmd
var Version = "dev"

const usage = `lotab-harness - end-to-end checks for the Lotab daemon, extension and overlay

Usage:
  lotab-harness <command> [options]

Commands:
  run             Run catalog scenarios and record the results
  list            List the scenario catalog
  check-protocol  Act as the daemon's message channel and validate the extension
  manifest <path> Load and print a daemon or GUI manifest
  sweep           Terminate stale daemon and GUI processes
  history         Show recorded runs
  doctor          Check that this machine can run the scenarios
  install-check   Verify the installer and launchd service registration
Run 'lotab-harness <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "run":
		return runScenarios(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "check-protocol":
		return runCheckProtocol(args[2:], stdout, stderr)
	case "manifest":
		return runManifest(args[2:], stdout, stderr)
	case "sweep":
		return runSweep(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "install-check":
		return runInstallCheck(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "lotab-harness %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
