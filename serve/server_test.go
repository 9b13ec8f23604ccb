package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	acpbridge "github.com/everydev1618/acpbridge"
	"github.com/everydev1618/acpbridge/acp"
)

// stubAgent is a minimal scripted AgentProcess for driving the HTTP
// surface end to end without child processes.
type stubAgent struct {
	mu       sync.Mutex
	southSeq int

	replyText string
	updates   []acp.Update

	done     chan struct{}
	doneOnce sync.Once
}

func newStubAgent(reply string, updates ...acp.Update) *stubAgent {
	return &stubAgent{replyText: reply, updates: updates, done: make(chan struct{})}
}

func (a *stubAgent) Initialize(ctx context.Context) error { return nil }

func (a *stubAgent) NewSession(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.southSeq++
	return fmt.Sprintf("south-%d", a.southSeq), nil
}

func (a *stubAgent) LoadSession(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

func (a *stubAgent) Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock, onUpdate func(acp.Update)) (*acp.PromptResult, error) {
	for _, u := range a.updates {
		if onUpdate != nil {
			onUpdate(u)
		}
	}
	return &acp.PromptResult{
		Text:       a.replyText,
		Content:    []acp.ContentBlock{acp.TextBlock(a.replyText)},
		StopReason: "end_turn",
	}, nil
}

func (a *stubAgent) Cancel(sessionID string) error { return nil }

func (a *stubAgent) Terminate(ctx context.Context) error {
	a.doneOnce.Do(func() { close(a.done) })
	return nil
}

func (a *stubAgent) Alive() bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

func (a *stubAgent) Done() <-chan struct{} { return a.done }

type testServer struct {
	*httptest.Server
	store acpbridge.Store
	token string
}

func newTestServer(t *testing.T, token string, spawn acpbridge.SpawnFunc) *testServer {
	t.Helper()

	registry, err := acpbridge.NewRegistry([]acpbridge.AgentSpec{
		{Name: "echo", Description: "Echo agent", Command: []string{"echo-agent"}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	store, err := acpbridge.NewSQLiteStore(t.TempDir() + "/serve.db")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if spawn == nil {
		spawn = func(ctx context.Context, spec acpbridge.AgentSpec) (acpbridge.AgentProcess, error) {
			return newStubAgent("pong",
				acp.Update{Kind: acp.UpdateAgentMessageChunk, Text: "po"},
				acp.Update{Kind: acp.UpdateAgentMessageChunk, Text: "ng"},
			), nil
		}
	}

	sessions := acpbridge.NewSessionManager(acpbridge.SessionManagerConfig{
		Registry: registry,
		Store:    store,
		Spawn:    spawn,
	})
	t.Cleanup(sessions.Close)

	runs := acpbridge.NewRunManager(registry, sessions, store, nil)
	t.Cleanup(runs.Close)

	srv := New(registry, store, sessions, runs, Config{AuthToken: token}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, store: store, token: token}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPingUnauthenticated(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp, err := http.Get(ts.URL + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthMissingAndInvalidCredentials(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-auth status = %d, want 401", resp.StatusCode)
	}
	body := decode[ErrorResponse](t, resp)
	if body.Error.Kind != acpbridge.KindAuth || body.Error.Message != "missing credentials" {
		t.Errorf("no-auth body = %+v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong-token status = %d, want 401", resp.StatusCode)
	}
	body = decode[ErrorResponse](t, resp)
	if body.Error.Message != "invalid credentials" {
		t.Errorf("wrong-token body = %+v", body)
	}
}

func TestAuthDisabledWithEmptyToken(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", resp.StatusCode)
	}
}

func TestListAndGetAgents(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	list := decode[AgentListResponse](t, ts.request(t, http.MethodGet, "/agents", nil))
	if len(list.Agents) != 1 || list.Agents[0].Name != "echo" {
		t.Fatalf("agents = %+v", list.Agents)
	}

	resp := ts.request(t, http.MethodGet, "/agents/echo", nil)
	manifest := decode[acpbridge.Manifest](t, resp)
	if manifest.Name != "echo" || !manifest.Capabilities.SupportsStreaming {
		t.Errorf("manifest = %+v", manifest)
	}

	resp = ts.request(t, http.MethodGet, "/agents/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing agent status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRunSyncEndToEnd(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp := ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent:     "echo",
		SessionID: "chat-1",
		Mode:      "sync",
		Input:     RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("ping")}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[RunResponse](t, resp)
	if body.Status != string(acpbridge.RunCompleted) {
		t.Errorf("status = %q", body.Status)
	}
	if body.Output == nil || len(body.Output.Content) == 0 || body.Output.Content[0].Text != "pong" {
		t.Errorf("output = %+v", body.Output)
	}

	// Transcript visible through the session endpoint.
	detail := decode[SessionDetailResponse](t, ts.request(t, http.MethodGet, "/sessions/chat-1", nil))
	if len(detail.Messages) != 2 {
		t.Errorf("transcript = %+v", detail.Messages)
	}
	if detail.Session.MessageCount != 2 {
		t.Errorf("message count = %d", detail.Session.MessageCount)
	}
}

func TestRunUnknownAgent404(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp := ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent: "missing",
		Input: RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("x")}},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[ErrorResponse](t, resp)
	if body.Error.Kind != acpbridge.KindAgentNotFound {
		t.Errorf("kind = %q", body.Error.Kind)
	}
}

func TestRunInvalidMode400(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp := ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent: "echo",
		Mode:  "batch",
		Input: RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("x")}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRunStreamSSE(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp := ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent:     "echo",
		SessionID: "chat-1",
		Mode:      "stream",
		Input:     RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("ping")}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var eventNames []string
	var payloads []acpbridge.Event
	scanner := bufio.NewScanner(resp.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			eventNames = append(eventNames, current)
			var ev acpbridge.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad SSE data %q: %v", line, err)
			}
			payloads = append(payloads, ev)
		}
	}

	if len(eventNames) < 2 {
		t.Fatalf("frames = %v, want updates then a terminal", eventNames)
	}
	last := eventNames[len(eventNames)-1]
	if last != string(acpbridge.EventCompleted) {
		t.Errorf("last frame = %q, want completed", last)
	}
	for _, name := range eventNames[:len(eventNames)-1] {
		if name != string(acpbridge.EventUpdate) {
			t.Errorf("intermediate frame = %q, want update", name)
		}
	}

	var joined string
	for _, ev := range payloads[:len(payloads)-1] {
		joined += ev.Update.Text
	}
	final := payloads[len(payloads)-1]
	if final.Message == nil || final.Message.Content[0].Text != joined {
		t.Errorf("final text %+v != chunk concatenation %q", final.Message, joined)
	}
}

func TestCancelUnknownAndFinishedRun(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	resp := ts.request(t, http.MethodPost, "/runs/nope/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run cancel = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	finished := decode[RunResponse](t, ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent:     "echo",
		SessionID: "chat-1",
		Input:     RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("x")}},
	}))

	resp = ts.request(t, http.MethodPost, "/runs/"+finished.RunID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("finished run cancel = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	// Seed a session through a run.
	decode[RunResponse](t, ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent:     "echo",
		SessionID: "chat-1",
		Input:     RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("hello")}},
	}))

	list := decode[SessionListResponse](t, ts.request(t, http.MethodGet, "/sessions", nil))
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "chat-1" {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	resp := ts.request(t, http.MethodGet, "/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.request(t, http.MethodDelete, "/sessions/chat-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/sessions/chat-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted session get = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.request(t, http.MethodDelete, "/sessions/chat-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	created := decode[RunResponse](t, ts.request(t, http.MethodPost, "/runs", RunCreateRequest{
		Agent:     "echo",
		SessionID: "chat-1",
		Input:     RunInput{Role: "user", Content: []acp.ContentBlock{acp.TextBlock("hello")}},
	}))

	// The sync response already carries the terminal state; GET should
	// agree with it shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := decode[RunResponse](t, ts.request(t, http.MethodGet, "/runs/"+created.RunID, nil))
		if got.Status == string(acpbridge.RunCompleted) {
			if got.Output == nil || got.Output.Content[0].Text != "pong" {
				t.Errorf("output = %+v", got.Output)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reported completed, last status %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
