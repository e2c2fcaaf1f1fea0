// The `lattice` CLI runs the Lattice control plane and its operational
// one-shots.
//
// Usage:
//
//	lattice serve [-config path]   — run the control plane
//	lattice audit [-config path]   — one-shot fleet audit, prints the summary
//	lattice cron [-config path]    — run all scheduled jobs once and exit
//	lattice version                — version info
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "cron":
		runCron(os.Args[2:])
	case "version":
		fmt.Printf("lattice %s (commit %s, built %s)\n", version, gitCommit, buildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`lattice — control plane for a fleet of remote coding agents

Usage:
  lattice serve [-config path]   Run the control plane
  lattice audit [-config path]   One-shot fleet audit, prints the summary
  lattice cron [-config path]    Run all scheduled jobs once and exit
  lattice version                Version info

Config is read from the -config file (JSON), then overridden by
environment variables (PORT, DATABASE_URL, LATTICE_FLEET, ...).
LATTICE_CONFIG sets the default config path.`)
}
