// Package acpbridge bridges RESTful HTTP clients to local agent
// subprocesses speaking the ZedACP dialect of JSON-RPC 2.0 over stdio.
//
// The north side is a small HTTP API: submit a run against a named
// agent, synchronously or as a server-sent event stream, and manage
// the persistent sessions that accumulate transcripts. The south side
// spawns one child process per live session, performs the
// initialize/authenticate handshake, and drives session/prompt
// exchanges while re-emitting the agent's streaming updates.
//
// # Quick Start
//
// Load the agent catalog, open the store, and wire the managers:
//
//	registry, err := acpbridge.LoadRegistry("config/agents.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := acpbridge.NewSQLiteStore("./acp2.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sessions := acpbridge.NewSessionManager(acpbridge.SessionManagerConfig{
//	    Registry: registry,
//	    Store:    store,
//	    Spawn:    acpbridge.DefaultSpawn(workDir, slog.Default()),
//	})
//	runs := acpbridge.NewRunManager(registry, sessions, store, slog.Default())
//
// Submit a run and wait for its terminal event:
//
//	run, events, err := runs.Submit(ctx, acpbridge.RunRequest{
//	    AgentName: "assistant",
//	    SessionID: "chat-1",
//	    Mode:      acpbridge.ModeSync,
//	    Content:   []acp.ContentBlock{acp.TextBlock("Hello!")},
//	})
//	for ev := range events {
//	    // update frames, then exactly one terminal frame
//	}
//
// # Architecture
//
// The main components are:
//
//   - acp.Conn: newline-framed JSON-RPC 2.0 duplex over a child's stdio
//   - acp.Agent: one agent subprocess, handshake and prompt lifecycle
//   - Registry: immutable agent catalog loaded at startup
//   - Store: durable sessions and transcripts (SQLite)
//   - SessionManager: live process cache, one child per session
//   - RunManager: run state machine and event fan-out
//   - serve: the HTTP and SSE surface
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Runs on the same
// session are serialised; distinct sessions proceed in parallel.
package acpbridge
