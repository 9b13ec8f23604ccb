// Package main provides the acp2d CLI.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "validate":
		validateCmd(args)
	case "version":
		fmt.Printf("acp2d %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`acp2d - HTTP bridge for stdio agents

Usage:
  acp2d <command> [options]

Commands:
  serve     Start the bridge server
  validate  Validate an agents config file
  version   Print version information
  help      Show this help message

Examples:
  acp2d serve
  acp2d serve --addr 127.0.0.1:8001 --agents config/agents.json
  acp2d validate config/agents.json

Run 'acp2d <command> --help' for more information on a command.`)
}
