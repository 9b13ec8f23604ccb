package acpbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/everydev1618/acpbridge/acp"
)

// AgentProcess is the subset of acp.Agent the session layer drives.
// Tests substitute scripted fakes.
type AgentProcess interface {
	Initialize(ctx context.Context) error
	NewSession(ctx context.Context) (string, error)
	LoadSession(ctx context.Context, sessionID string) (bool, error)
	Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock, onUpdate func(acp.Update)) (*acp.PromptResult, error)
	Cancel(sessionID string) error
	Terminate(ctx context.Context) error
	Alive() bool
	Done() <-chan struct{}
}

// SpawnFunc launches an agent process for a spec. The default spawns a
// real subprocess via acp.Start.
type SpawnFunc func(ctx context.Context, spec AgentSpec) (AgentProcess, error)

// DefaultSpawn launches the agent command as a child process.
func DefaultSpawn(workDir string, logger *slog.Logger) SpawnFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, spec AgentSpec) (AgentProcess, error) {
		agent, err := acp.Start(ctx, acp.Options{
			Command: spec.Command,
			APIKey:  spec.APIKey,
			WorkDir: workDir,
			Logger:  logger.With("agent", spec.Name),
		})
		if err != nil {
			return nil, Errorf(KindSpawnFailed, "spawn agent %q: %v", spec.Name, err)
		}
		return agent, nil
	}
}

// sessionEntry is the in-memory state of one bridge session: its live
// agent process (nil when idle), the bound south session id, and a
// single-slot lock serialising runs.
type sessionEntry struct {
	lock     *semaphore.Weighted
	agent    AgentProcess
	southID  string
	lastUsed time.Time
}

// Lease is exclusive access to a session's agent for the duration of
// one run. Release when done.
type Lease struct {
	SessionID string
	Agent     AgentProcess
	SouthID   string

	mgr       *SessionManager
	entry     *sessionEntry
	ephemeral bool
}

// SessionManager owns the live agent processes, one per session, and
// serialises runs within a session while letting distinct sessions
// proceed in parallel.
type SessionManager struct {
	registry *Registry
	store    Store
	spawn    SpawnFunc
	logger   *slog.Logger

	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*sessionEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Registry    *Registry
	Store       Store
	Spawn       SpawnFunc
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// NewSessionManager builds the manager and starts the idle sweeper.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	m := &SessionManager{
		registry:    cfg.Registry,
		store:       cfg.Store,
		spawn:       cfg.Spawn,
		logger:      cfg.Logger,
		idleTimeout: cfg.IdleTimeout,
		entries:     make(map[string]*sessionEntry),
		stop:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *SessionManager) entryFor(sessionID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &sessionEntry{lock: semaphore.NewWeighted(1), lastUsed: time.Now()}
		m.entries[sessionID] = e
	}
	return e
}

// Acquire takes the session's run slot, ensuring a live initialized
// agent bound to a south session. It blocks while another run holds
// the slot, honouring ctx. A persisted south session id is reloaded
// via session/load; when the agent declines, a fresh session is
// created and the new id persisted.
func (m *SessionManager) Acquire(ctx context.Context, sessionID, agentName string) (*Lease, error) {
	entry := m.entryFor(sessionID)
	if err := entry.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	lease, err := m.bind(ctx, entry, sessionID, agentName)
	if err != nil {
		entry.lock.Release(1)
		return nil, err
	}
	return lease, nil
}

// bind ensures entry has a live agent and south session, holding the
// entry's lock.
func (m *SessionManager) bind(ctx context.Context, entry *sessionEntry, sessionID, agentName string) (*Lease, error) {
	m.mu.Lock()
	live, southID := entry.agent, entry.southID
	if live != nil && live.Alive() {
		entry.lastUsed = time.Now()
		m.mu.Unlock()
		return &Lease{
			SessionID: sessionID,
			Agent:     live,
			SouthID:   southID,
			mgr:       m,
			entry:     entry,
		}, nil
	}
	entry.agent = nil
	entry.southID = ""
	m.mu.Unlock()

	spec, err := m.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	agent, err := m.spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := agent.Initialize(ctx); err != nil {
		agent.Terminate(context.Background())
		return nil, AsError(err)
	}

	southID, err = m.rebind(ctx, agent, sessionID)
	if err != nil {
		agent.Terminate(context.Background())
		return nil, AsError(err)
	}

	m.mu.Lock()
	entry.agent = agent
	entry.southID = southID
	entry.lastUsed = time.Now()
	m.mu.Unlock()
	m.watch(sessionID, agent)

	status := SessionActive
	if err := m.store.UpdateSession(ctx, sessionID, SessionPatch{Status: &status}); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.logger.Warn("mark session active", "session_id", sessionID, "error", err)
	}

	return &Lease{
		SessionID: sessionID,
		Agent:     agent,
		SouthID:   southID,
		mgr:       m,
		entry:     entry,
	}, nil
}

// rebind resolves the south session for a fresh agent process: reload
// the persisted id when one exists, otherwise create anew.
func (m *SessionManager) rebind(ctx context.Context, agent AgentProcess, sessionID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return "", err
	}
	if err == nil && sess.SouthSessionID != "" {
		ok, lerr := agent.LoadSession(ctx, sess.SouthSessionID)
		if lerr != nil {
			return "", lerr
		}
		if ok {
			return sess.SouthSessionID, nil
		}
		m.logger.Info("agent declined session/load, creating fresh south session",
			"session_id", sessionID, "south_session_id", sess.SouthSessionID)
	}

	southID, err := agent.NewSession(ctx)
	if err != nil {
		return "", err
	}
	if patchErr := m.store.UpdateSession(ctx, sessionID, SessionPatch{SouthSessionID: &southID}); patchErr != nil && !errors.Is(patchErr, ErrSessionNotFound) {
		m.logger.Warn("persist south session id", "session_id", sessionID, "error", patchErr)
	}
	return southID, nil
}

// watch unbinds the entry when the agent process exits on its own, so
// the next run respawns instead of hitting a dead transport.
func (m *SessionManager) watch(sessionID string, agent AgentProcess) {
	go func() {
		select {
		case <-agent.Done():
		case <-m.stop:
			return
		}
		m.mu.Lock()
		if e, ok := m.entries[sessionID]; ok && e.agent == agent {
			e.agent = nil
			e.southID = ""
		}
		m.mu.Unlock()
		m.logger.Debug("agent process exited", "session_id", sessionID)
	}()
}

// Ephemeral spawns a one-shot agent with no persisted session row. The
// lease's release terminates the process.
func (m *SessionManager) Ephemeral(ctx context.Context, agentName string) (*Lease, error) {
	spec, err := m.registry.Get(agentName)
	if err != nil {
		return nil, err
	}
	agent, err := m.spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := agent.Initialize(ctx); err != nil {
		agent.Terminate(context.Background())
		return nil, AsError(err)
	}
	southID, err := agent.NewSession(ctx)
	if err != nil {
		agent.Terminate(context.Background())
		return nil, AsError(err)
	}
	return &Lease{Agent: agent, SouthID: southID, mgr: m, ephemeral: true}, nil
}

// Release returns the run slot. Ephemeral leases terminate their agent.
func (l *Lease) Release() {
	if l.ephemeral {
		l.Agent.Terminate(context.Background())
		return
	}
	l.mgr.mu.Lock()
	l.entry.lastUsed = time.Now()
	l.mgr.mu.Unlock()
	l.entry.lock.Release(1)
}

// Terminate shuts down the session's agent process if no run holds the
// slot. A held slot means a run is in flight and termination conflicts.
func (m *SessionManager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	entry, ok := m.entries[sessionID]
	m.mu.Unlock()
	if ok {
		if !entry.lock.TryAcquire(1) {
			return Errorf(KindConflict, "session %s has a run in progress", sessionID)
		}
		defer entry.lock.Release(1)

		// The entry stays in the map: a concurrent Acquire already
		// holding it must keep serialising on this lock, not a fresh one.
		m.mu.Lock()
		agent := entry.agent
		entry.agent = nil
		entry.southID = ""
		m.mu.Unlock()
		if agent != nil {
			agent.Terminate(ctx)
		}
	}

	status := SessionTerminated
	if err := m.store.UpdateSession(ctx, sessionID, SessionPatch{Status: &status}); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

func (m *SessionManager) sweepLoop() {
	interval := m.idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep terminates agents idle past the timeout. Busy sessions are
// skipped.
func (m *SessionManager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*sessionEntry
	ids := make(map[*sessionEntry]string)
	for id, e := range m.entries {
		if e.agent != nil && e.lastUsed.Before(cutoff) {
			idle = append(idle, e)
			ids[e] = id
		}
	}
	m.mu.Unlock()

	for _, e := range idle {
		if !e.lock.TryAcquire(1) {
			continue
		}
		m.mu.Lock()
		agent := e.agent
		stale := agent != nil && e.lastUsed.Before(cutoff)
		if stale {
			e.agent = nil
			e.southID = ""
		}
		m.mu.Unlock()
		if stale {
			m.logger.Info("terminating idle agent", "session_id", ids[e])
			agent.Terminate(context.Background())
			status := SessionIdle
			if err := m.store.UpdateSession(context.Background(), ids[e], SessionPatch{Status: &status}); err != nil && !errors.Is(err, ErrSessionNotFound) {
				m.logger.Warn("mark session idle", "session_id", ids[e], "error", err)
			}
		}
		e.lock.Release(1)
	}
}

// Close terminates every live agent and stops the sweeper.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	agents := make([]AgentProcess, 0, len(m.entries))
	for _, e := range m.entries {
		if e.agent != nil {
			agents = append(agents, e.agent)
		}
	}
	m.entries = make(map[string]*sessionEntry)
	m.mu.Unlock()

	for _, a := range agents {
		a.Terminate(context.Background())
	}
}
