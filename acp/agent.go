package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBusy is returned when a second prompt is issued while one is
	// in flight on the same agent.
	ErrBusy = errors.New("agent busy: prompt already in flight")

	// ErrAgentExited is returned when the child exits during a prompt.
	ErrAgentExited = errors.New("agent process exited")

	// ErrAuthFailed is returned when the agent rejects authentication.
	ErrAuthFailed = errors.New("agent authentication failed")
)

// Environment variables the resolved API key is exported under. The
// agent reads whichever one it expects.
var apiKeyEnvVars = []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"}

// Options configures an agent subprocess.
type Options struct {
	// Command is the argv to launch, first element the executable.
	Command []string

	// APIKey, when non-empty, is exported into the child environment
	// and used for the authenticate request.
	APIKey string

	// WorkDir is sent as cwd on session/new and session/load.
	// Defaults to the process working directory.
	WorkDir string

	// GracePeriod is how long Terminate waits for the child to exit
	// after closing stdin before killing it. Defaults to 3s.
	GracePeriod time.Duration

	Logger *slog.Logger
}

// Agent is one live agent subprocess plus its Conn. At most one prompt
// may be in flight at a time.
type Agent struct {
	conn   *Conn
	cmd    *exec.Cmd
	opts   Options
	logger *slog.Logger

	done chan struct{}

	stderrMu   sync.Mutex
	stderrTail []string

	busy     atomic.Bool
	termOnce sync.Once

	authMethods []AuthMethod
	agentCaps   json.RawMessage
}

// Start spawns the agent subprocess and wires its stdio into a Conn.
// It does not perform the handshake; call Initialize next.
func Start(ctx context.Context, opts Options) (*Agent, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("agent command cannot be empty")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 3 * time.Second
	}
	if opts.WorkDir == "" {
		opts.WorkDir, _ = os.Getwd()
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = os.Environ()
	if opts.APIKey != "" {
		for _, name := range apiKeyEnvVars {
			cmd.Env = append(cmd.Env, name+"="+opts.APIKey)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("spawn %s: %w", opts.Command[0], err)
	}

	a := &Agent{
		cmd:    cmd,
		opts:   opts,
		logger: opts.Logger.With("agent_cmd", opts.Command[0]),
		done:   make(chan struct{}),
	}
	a.conn = NewConn(stdin, stdout, stdin, a.logger)

	go a.collectStderr(stderr)
	go func() {
		// The reader goroutine owns stdout; reap only after it is done
		// with the pipe.
		<-a.conn.Closed()
		cmd.Wait()
		close(a.done)
	}()

	a.logger.Debug("agent process started", "pid", cmd.Process.Pid)
	return a, nil
}

// NewAgent wraps an existing Conn without spawning a process. Used
// when the agent endpoint is provided by the caller, such as tests
// driving a scripted agent over in-memory pipes.
func NewAgent(conn *Conn, opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 3 * time.Second
	}
	return &Agent{conn: conn, opts: opts, logger: opts.Logger, done: conn.closed}
}

func (a *Agent) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		a.logger.Debug("agent stderr", "line", line)
		a.stderrMu.Lock()
		a.stderrTail = append(a.stderrTail, line)
		if len(a.stderrTail) > 20 {
			a.stderrTail = a.stderrTail[1:]
		}
		a.stderrMu.Unlock()
	}
}

// StderrTail returns the last lines of the child's stderr, for error
// reporting.
func (a *Agent) StderrTail() string {
	a.stderrMu.Lock()
	defer a.stderrMu.Unlock()
	return strings.Join(a.stderrTail, "\n")
}

// Done closes when the agent process has exited or its transport has
// shut down.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Alive reports whether the agent can still accept requests.
func (a *Agent) Alive() bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case <-a.conn.Closed():
		return false
	default:
		return true
	}
}

// Initialize performs the handshake: the initialize request, followed
// by authenticate when the agent offers auth methods. On an
// authentication failure the process is terminated.
func (a *Agent) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: 1,
		ClientCapabilities: ClientCapabilities{
			FS:       FSCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}
	raw, err := a.conn.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", a.mapTransportErr(err))
	}
	var result InitializeResult
	if raw != nil {
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("parse initialize result: %w", err)
		}
	}
	a.authMethods = result.AuthMethods
	a.agentCaps = result.AgentCapabilities

	if len(result.AuthMethods) == 0 {
		return nil
	}

	methodID := result.AuthMethods[0].ID
	for _, m := range result.AuthMethods {
		if m.ID == "apikey" {
			methodID = m.ID
			break
		}
	}
	a.logger.Debug("authenticating", "method_id", methodID)
	if _, err := a.conn.Call(ctx, "authenticate", AuthenticateParams{MethodID: methodID}); err != nil {
		a.Terminate(context.Background())
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// AgentCapabilities returns the capabilities reported on initialize.
func (a *Agent) AgentCapabilities() json.RawMessage {
	return a.agentCaps
}

// NewSession asks the agent for a fresh session and returns its id.
func (a *Agent) NewSession(ctx context.Context) (string, error) {
	params := NewSessionParams{Cwd: a.opts.WorkDir, MCPServers: []json.RawMessage{}}
	raw, err := a.conn.Call(ctx, "session/new", params)
	if err != nil {
		return "", fmt.Errorf("session/new: %w", a.mapTransportErr(err))
	}
	var result NewSessionResult
	if raw == nil || json.Unmarshal(raw, &result) != nil || result.SessionID == "" {
		return "", fmt.Errorf("session/new missing sessionId")
	}
	return result.SessionID, nil
}

// LoadSession asks the agent to reload an existing session. It returns
// false when the agent does not support session/load or does not know
// the id; the caller then falls back to NewSession. History-replay
// notifications sent during the load are consumed and discarded.
func (a *Agent) LoadSession(ctx context.Context, sessionID string) (bool, error) {
	params := LoadSessionParams{
		SessionID:  sessionID,
		Cwd:        a.opts.WorkDir,
		MCPServers: []json.RawMessage{},
	}
	_, err := a.conn.Call(ctx, "session/load", params)
	if err == nil {
		return true, nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == CodeMethodNotFound || strings.Contains(strings.ToLower(rpcErr.Message), "not found") {
			return false, nil
		}
	}
	return false, fmt.Errorf("session/load: %w", a.mapTransportErr(err))
}

// Prompt sends session/prompt and blocks until the agent resolves it.
// session/update notifications for the session are re-emitted through
// onUpdate in arrival order; chunk text is aggregated into the result.
// Exactly one prompt may be in flight; a second concurrent call fails
// immediately with ErrBusy.
func (a *Agent) Prompt(ctx context.Context, sessionID string, blocks []ContentBlock, onUpdate func(Update)) (*PromptResult, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer a.busy.Store(false)

	var (
		mu        sync.Mutex
		text      strings.Builder
		extras    []ContentBlock
		cancelled bool
	)

	token := a.conn.Subscribe(func(method string, params json.RawMessage) {
		switch method {
		case "session/update":
			var p sessionUpdateParams
			if err := json.Unmarshal(params, &p); err != nil || p.SessionID != sessionID {
				return
			}
			var body sessionUpdateBody
			if err := json.Unmarshal(p.Update, &body); err != nil {
				return
			}
			switch body.SessionUpdate {
			case UpdateAgentMessageChunk:
				mu.Lock()
				text.WriteString(body.Content.Text)
				if body.Content.Type != "" && body.Content.Type != "text" {
					extras = append(extras, body.Content)
				}
				mu.Unlock()
				if onUpdate != nil {
					onUpdate(Update{Kind: UpdateAgentMessageChunk, Text: body.Content.Text, Raw: p.Update})
				}
			case "session/cancelled":
				mu.Lock()
				cancelled = true
				mu.Unlock()
			default:
				if onUpdate != nil {
					onUpdate(Update{Kind: body.SessionUpdate, Raw: p.Update})
				}
			}
		case "session/cancelled":
			mu.Lock()
			cancelled = true
			mu.Unlock()
		}
	})
	defer a.conn.Unsubscribe(token)

	raw, err := a.conn.Call(ctx, "session/prompt", PromptParams{SessionID: sessionID, Prompt: blocks})

	mu.Lock()
	result := &PromptResult{Text: text.String(), Cancelled: cancelled}
	if result.Text != "" {
		result.Content = append(result.Content, TextBlock(result.Text))
	}
	result.Content = append(result.Content, extras...)
	mu.Unlock()

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeCancelled {
			result.Cancelled = true
			return result, nil
		}
		return nil, fmt.Errorf("session/prompt: %w", a.mapTransportErr(err))
	}

	var resp promptResponse
	if raw != nil {
		json.Unmarshal(raw, &resp)
	}
	result.StopReason = resp.StopReason
	if resp.StopReason == "cancelled" {
		result.Cancelled = true
	}
	return result, nil
}

// Cancel sends the session/cancel notification. Best effort: the
// in-flight prompt still resolves through its own response.
func (a *Agent) Cancel(sessionID string) error {
	return a.conn.Notify("session/cancel", CancelParams{SessionID: sessionID})
}

// Terminate shuts the agent down: stdin is closed, the child gets a
// grace period to exit, then it is killed. Idempotent.
func (a *Agent) Terminate(ctx context.Context) error {
	a.termOnce.Do(func() {
		a.conn.Close()
		if a.cmd == nil {
			return
		}
		select {
		case <-a.done:
		case <-time.After(a.opts.GracePeriod):
			a.logger.Warn("agent did not exit in grace period, killing")
			a.cmd.Process.Kill()
			<-a.done
		case <-ctx.Done():
			a.cmd.Process.Kill()
			<-a.done
		}
		a.logger.Debug("agent terminated")
	})
	return nil
}

// mapTransportErr turns a transport-closed failure into ErrAgentExited
// when the child is known to have exited, attaching the stderr tail.
func (a *Agent) mapTransportErr(err error) error {
	if !errors.Is(err, ErrTransportClosed) {
		return err
	}
	if a.cmd == nil {
		return err
	}
	// The exit notification races the transport-closed failure; give
	// the reaper a moment so a crash surfaces as agent-exited.
	select {
	case <-a.done:
		if tail := a.StderrTail(); tail != "" {
			return fmt.Errorf("%w: %v; stderr: %s", ErrAgentExited, err, tail)
		}
		return fmt.Errorf("%w: %v", ErrAgentExited, err)
	case <-time.After(250 * time.Millisecond):
		return err
	}
}
