package acpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/acpbridge/acp"
)

// RunMode selects how a run's result reaches the client.
type RunMode string

const (
	ModeSync   RunMode = "sync"
	ModeStream RunMode = "stream"
)

// RunStatus is the run state machine.
type RunStatus string

const (
	RunCreated    RunStatus = "created"
	RunInProgress RunStatus = "in-progress"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
	RunFailed     RunStatus = "failed"
)

// Run is one prompt execution from accept to terminal state.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	AgentName string    `json:"agent_name"`
	Mode      RunMode   `json:"mode"`
	Status    RunStatus `json:"status"`

	// Result is the persisted agent reply, set on completion.
	Result *Message `json:"result,omitempty"`

	// Error is set when the run failed.
	Error *Error `json:"error,omitempty"`

	StopReason string     `json:"stop_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunRequest describes a run to submit. An empty SessionID selects the
// ephemeral path: a one-shot agent with no persisted transcript.
type RunRequest struct {
	AgentName string
	SessionID string
	Mode      RunMode
	Content   []acp.ContentBlock
}

type runState struct {
	mu     sync.Mutex
	run    Run
	events chan Event

	cancelOnce sync.Once
	cancel     chan struct{}
}

// snapshot copies the run record for handing out.
func (rs *runState) snapshot() Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run
}

// RunManager orchestrates runs: one worker per run, serialised per
// session through the SessionManager, with a buffered event channel
// carrying updates and exactly one terminal frame.
type RunManager struct {
	registry *Registry
	sessions *SessionManager
	store    Store
	logger   *slog.Logger

	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*runState

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRunManager builds the manager and starts the retention sweeper.
func NewRunManager(registry *Registry, sessions *SessionManager, store Store, logger *slog.Logger) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &RunManager{
		registry:  registry,
		sessions:  sessions,
		store:     store,
		logger:    logger,
		retention: runRetention,
		runs:      make(map[string]*runState),
		stop:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

const eventBuffer = 256

// Terminal runs stay queryable through GET /runs/{id} for this long.
const runRetention = time.Hour

// Submit validates the request, registers the run, and starts its
// worker. The returned channel carries update frames followed by one
// terminal frame, then closes. The worker runs on a background
// context: a caller walking away does not cancel the run.
func (m *RunManager) Submit(ctx context.Context, req RunRequest) (Run, <-chan Event, error) {
	if _, err := m.registry.Get(req.AgentName); err != nil {
		return Run{}, nil, err
	}
	if len(req.Content) == 0 {
		return Run{}, nil, Errorf(KindConfig, "run content cannot be empty")
	}
	if req.Mode == "" {
		req.Mode = ModeSync
	}

	rs := &runState{
		run: Run{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			AgentName: req.AgentName,
			Mode:      req.Mode,
			Status:    RunCreated,
			CreatedAt: time.Now().UTC(),
		},
		events: make(chan Event, eventBuffer),
		cancel: make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[rs.run.ID] = rs
	m.mu.Unlock()

	go m.execute(rs, req)

	return rs.snapshot(), rs.events, nil
}

// Get returns the current snapshot of a run.
func (m *RunManager) Get(runID string) (Run, error) {
	m.mu.RLock()
	rs, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return Run{}, Errorf(KindNotFound, "unknown run %s", runID)
	}
	return rs.snapshot(), nil
}

// Cancel requests cancellation of an in-progress run. The worker sends
// session/cancel to the agent and still waits for the prompt response
// before emitting the terminal frame.
func (m *RunManager) Cancel(runID string) (Run, error) {
	m.mu.RLock()
	rs, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return Run{}, Errorf(KindNotFound, "unknown run %s", runID)
	}

	rs.mu.Lock()
	status := rs.run.Status
	rs.mu.Unlock()
	if status != RunInProgress && status != RunCreated {
		return rs.snapshot(), Errorf(KindConflict, "run %s is %s, cannot cancel", runID, status)
	}

	rs.cancelOnce.Do(func() { close(rs.cancel) })
	return rs.snapshot(), nil
}

func (rs *runState) cancelRequested() bool {
	select {
	case <-rs.cancel:
		return true
	default:
		return false
	}
}

func (m *RunManager) setStatus(rs *runState, status RunStatus) {
	rs.mu.Lock()
	rs.run.Status = status
	rs.mu.Unlock()
}

// execute drives one run to its terminal state on a background
// context.
func (m *RunManager) execute(rs *runState, req RunRequest) {
	ctx := context.Background()
	m.setStatus(rs, RunInProgress)

	lease, err := m.acquire(ctx, rs, req)
	if err != nil {
		m.fail(rs, err)
		return
	}
	defer lease.Release()

	ephemeral := req.SessionID == ""

	if !ephemeral {
		if _, err := m.store.AppendMessage(ctx, req.SessionID, RoleUser, req.Content, nil); err != nil {
			m.fail(rs, err)
			return
		}
	}

	// Forward the cancel request to the agent once, without blocking
	// the worker.
	promptDone := make(chan struct{})
	go func() {
		select {
		case <-rs.cancel:
			lease.Agent.Cancel(lease.SouthID)
		case <-promptDone:
		}
	}()

	res, err := lease.Agent.Prompt(ctx, lease.SouthID, req.Content, func(u acp.Update) {
		m.publish(rs, Event{Type: EventUpdate, Update: &u})
	})
	close(promptDone)

	if err != nil {
		m.fail(rs, err)
		return
	}

	if res.Cancelled || rs.cancelRequested() {
		m.finishCancelled(rs, res)
		return
	}
	m.complete(ctx, rs, req, lease, res)
}

// acquire binds the run to an agent process, creating the session row
// on first use. Terminated sessions refuse new runs.
func (m *RunManager) acquire(ctx context.Context, rs *runState, req RunRequest) (*Lease, error) {
	if req.SessionID == "" {
		return m.sessions.Ephemeral(ctx, req.AgentName)
	}

	sess, err := m.store.GetSession(ctx, req.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		now := time.Now().UTC()
		create := Session{
			ID:           req.SessionID,
			AgentName:    req.AgentName,
			Status:       SessionActive,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if cerr := m.store.CreateSession(ctx, create); cerr != nil && !errors.Is(cerr, ErrSessionExists) {
			return nil, cerr
		}
	case err != nil:
		return nil, err
	case sess.Status == SessionTerminated:
		return nil, Errorf(KindConflict, "session %s is terminated", req.SessionID)
	case sess.AgentName != req.AgentName:
		return nil, Errorf(KindConflict, "session %s belongs to agent %q", req.SessionID, sess.AgentName)
	}

	return m.sessions.Acquire(ctx, req.SessionID, req.AgentName)
}

func (m *RunManager) complete(ctx context.Context, rs *runState, req RunRequest, lease *Lease, res *acp.PromptResult) {
	// An empty reply is still recorded: every completed run carries a
	// result and the transcript keeps its user/agent pairing.
	content := res.Content
	if content == nil {
		content = []acp.ContentBlock{}
	}
	southBlocks, _ := json.Marshal(content)

	var result *Message
	if req.SessionID != "" {
		msg, err := m.store.AppendMessage(ctx, req.SessionID, RoleAgent, content, southBlocks)
		if err != nil {
			m.fail(rs, err)
			return
		}
		result = &msg
	} else {
		result = &Message{Role: RoleAgent, Content: content, SouthBlocks: southBlocks, CreatedAt: time.Now().UTC()}
	}

	now := time.Now().UTC()
	rs.mu.Lock()
	rs.run.Status = RunCompleted
	rs.run.Result = result
	rs.run.StopReason = res.StopReason
	rs.run.FinishedAt = &now
	snap := rs.run
	rs.mu.Unlock()

	m.logger.Info("run completed", "run_id", snap.ID, "session_id", snap.SessionID)
	m.terminal(rs, Event{Type: EventCompleted, Run: &snap, Message: result})
}

func (m *RunManager) finishCancelled(rs *runState, res *acp.PromptResult) {
	now := time.Now().UTC()
	rs.mu.Lock()
	rs.run.Status = RunCancelled
	rs.run.StopReason = res.StopReason
	rs.run.FinishedAt = &now
	snap := rs.run
	rs.mu.Unlock()

	m.logger.Info("run cancelled", "run_id", snap.ID, "session_id", snap.SessionID)
	m.terminal(rs, Event{Type: EventCancelled, Run: &snap})
}

func (m *RunManager) fail(rs *runState, err error) {
	tagged := AsError(err)
	now := time.Now().UTC()
	rs.mu.Lock()
	rs.run.Status = RunFailed
	rs.run.Error = tagged
	rs.run.FinishedAt = &now
	snap := rs.run
	rs.mu.Unlock()

	m.logger.Error("run failed", "run_id", snap.ID, "session_id", snap.SessionID,
		"kind", tagged.Kind, "error", tagged.Message)
	m.terminal(rs, Event{Type: EventFailed, Run: &snap, Error: tagged})
}

// publish sends an update frame without blocking; a consumer that is
// not keeping up loses intermediate frames, never terminal ones.
func (m *RunManager) publish(rs *runState, ev Event) {
	select {
	case rs.events <- ev:
	default:
		m.logger.Debug("run event dropped, slow consumer", "run_id", rs.run.ID)
	}
}

func (m *RunManager) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepRuns()
		}
	}
}

// sweepRuns drops terminal runs past the retention window so the
// in-memory table does not grow for the life of the server. In-flight
// runs are never touched.
func (m *RunManager) sweepRuns() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rs := range m.runs {
		rs.mu.Lock()
		finished := rs.run.FinishedAt
		rs.mu.Unlock()
		if finished != nil && finished.Before(cutoff) {
			delete(m.runs, id)
		}
	}
}

// Close stops the retention sweeper.
func (m *RunManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// terminal emits the terminal frame and closes the channel. The
// buffered channel keeps at least one free slot for the terminal frame
// unless the consumer stopped draining entirely; in that case updates
// are evicted to make room.
func (m *RunManager) terminal(rs *runState, ev Event) {
	for {
		select {
		case rs.events <- ev:
			close(rs.events)
			return
		default:
			select {
			case <-rs.events:
			default:
			}
		}
	}
}
