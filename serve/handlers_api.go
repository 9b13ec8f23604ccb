package serve

import (
	"encoding/json"
	"errors"
	"net/http"

	acpbridge "github.com/everydev1618/acpbridge"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Agent Handlers ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	specs := s.registry.List()
	agents := make([]acpbridge.Manifest, 0, len(specs))
	for _, spec := range specs {
		m, err := s.registry.Manifest(spec.Name)
		if err != nil {
			continue
		}
		agents = append(agents, m)
	}
	writeJSON(w, http.StatusOK, AgentListResponse{Agents: agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.registry.Manifest(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// --- Run Handlers ---

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Kind: acpbridge.KindConfig, Message: "invalid request body: " + err.Error()},
		})
		return
	}

	mode := acpbridge.RunMode(req.Mode)
	switch mode {
	case "", acpbridge.ModeSync:
		mode = acpbridge.ModeSync
	case acpbridge.ModeStream:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Kind: acpbridge.KindConfig, Message: "mode must be \"sync\" or \"stream\""},
		})
		return
	}

	run, events, err := s.runs.Submit(r.Context(), acpbridge.RunRequest{
		AgentName: req.Agent,
		SessionID: req.SessionID,
		Mode:      mode,
		Content:   req.Input.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if mode == acpbridge.ModeStream {
		s.streamRun(w, r, run, events)
		return
	}
	s.awaitRun(w, run, events)
}

// awaitRun drains the event channel and answers with the terminal
// state in a single JSON body. Update frames are discarded.
func (s *Server) awaitRun(w http.ResponseWriter, run acpbridge.Run, events <-chan acpbridge.Event) {
	var terminal *acpbridge.Event
	for ev := range events {
		if ev.Type != acpbridge.EventUpdate {
			terminal = &ev
		}
	}
	if terminal == nil || terminal.Run == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: ErrorBody{Kind: acpbridge.KindInternal, Message: "run finished without a terminal event"},
		})
		return
	}
	final := *terminal.Run

	switch terminal.Type {
	case acpbridge.EventCompleted:
		resp := RunResponse{RunID: final.ID, Status: string(final.Status), StopReason: final.StopReason}
		if final.Result != nil {
			resp.Output = &OutputMessage{Role: final.Result.Role, Content: final.Result.Content}
		}
		writeJSON(w, http.StatusOK, resp)
	case acpbridge.EventCancelled:
		writeJSON(w, http.StatusOK, RunResponse{RunID: final.ID, Status: string(final.Status), StopReason: final.StopReason})
	default:
		status := http.StatusInternalServerError
		body := ErrorBody{Kind: acpbridge.KindInternal, Message: "run failed"}
		if final.Error != nil {
			status = statusForKind(final.Error.Kind)
			body = ErrorBody{Kind: final.Error.Kind, Message: final.Error.Message}
		}
		writeJSON(w, status, ErrorResponse{Error: body})
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := RunResponse{RunID: run.ID, Status: string(run.Status), StopReason: run.StopReason}
	if run.Result != nil {
		resp.Output = &OutputMessage{Role: run.Result.Role, Content: run.Result.Content}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{RunID: run.ID, Status: string(run.Status)})
}

// --- Session Handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := acpbridge.SessionFilter{
		AgentName: r.URL.Query().Get("agent"),
		Status:    r.URL.Query().Get("status"),
	}
	sessions, err := s.store.ListSessions(r.Context(), filter, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []acpbridge.Session{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []acpbridge.Message{}
	}
	writeJSON(w, http.StatusOK, SessionDetailResponse{Session: sess, Messages: messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Terminate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the uniform error body and its HTTP
// status.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, acpbridge.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: ErrorBody{Kind: acpbridge.KindNotFound, Message: "session not found"},
		})
		return
	}
	tagged := acpbridge.AsError(err)
	writeJSON(w, statusForKind(tagged.Kind), ErrorResponse{
		Error: ErrorBody{Kind: tagged.Kind, Message: tagged.Message},
	})
}

func statusForKind(kind string) int {
	switch kind {
	case acpbridge.KindAuth:
		return http.StatusUnauthorized
	case acpbridge.KindNotFound, acpbridge.KindAgentNotFound:
		return http.StatusNotFound
	case acpbridge.KindConflict, acpbridge.KindBusy:
		return http.StatusConflict
	case acpbridge.KindSpawnFailed, acpbridge.KindTransportClosed, acpbridge.KindAgentExited, acpbridge.KindAgentError:
		return http.StatusBadGateway
	case acpbridge.KindConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
