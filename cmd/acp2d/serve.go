package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	acpbridge "github.com/everydev1618/acpbridge"
	"github.com/everydev1618/acpbridge/serve"
)

// serveCmd starts the bridge server.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "HTTP listen address (overrides ACP2_BIND_ADDR/ACP2_BIND_PORT)")
	agents := fs.String("agents", "", "Agents config path (overrides ACP2_AGENTS_CONFIG)")
	dbPath := fs.String("db", "", "SQLite database path (overrides ACP2_DB_PATH)")

	fs.Usage = func() {
		fmt.Println(`Usage: acp2d serve [options]

Start the bridge: the HTTP API on the north side, agent subprocesses
on the south. Configuration comes from ACP2_* environment variables;
flags override individual settings.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  acp2d serve
  acp2d serve --addr 127.0.0.1:8001
  acp2d serve --agents config/agents.json --db /tmp/acp2.db`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := acpbridge.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *agents != "" {
		settings.AgentsConfig = *agents
	}
	if *dbPath != "" {
		settings.DBPath = *dbPath
	}
	listenAddr := settings.ListenAddr()
	if *addr != "" {
		listenAddr = *addr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: settings.SlogLevel(),
	}))
	slog.SetDefault(logger)

	registry, err := acpbridge.LoadRegistry(settings.AgentsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading agents config: %v\n", err)
		os.Exit(1)
	}
	logger.Info("agents loaded", "path", settings.AgentsConfig, "count", len(registry.List()))

	store, err := acpbridge.NewSQLiteStore(settings.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	sessions := acpbridge.NewSessionManager(acpbridge.SessionManagerConfig{
		Registry:    registry,
		Store:       store,
		Spawn:       acpbridge.DefaultSpawn(settings.WorkDir, logger),
		IdleTimeout: settings.IdleTimeout,
		Logger:      logger,
	})
	defer sessions.Close()

	runs := acpbridge.NewRunManager(registry, sessions, store, logger)
	defer runs.Close()

	srv := serve.New(registry, store, sessions, runs, serve.Config{
		Addr:      listenAddr,
		AuthToken: settings.AuthToken,
	}, logger)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// validateCmd checks an agents config file and prints what it found.
func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: acp2d validate <agents file>

Validate an agents config file: parse it and check agent names and
commands.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no agents file specified")
		fs.Usage()
		os.Exit(1)
	}

	file := fs.Arg(0)
	registry, err := acpbridge.LoadRegistry(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	specs := registry.List()
	fmt.Printf("%s: OK (%d agents)\n", file, len(specs))
	for _, spec := range specs {
		fmt.Printf("  %-20s %v\n", spec.Name, spec.Command)
	}
}
