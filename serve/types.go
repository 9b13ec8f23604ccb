package serve

import (
	acpbridge "github.com/everydev1618/acpbridge"
	"github.com/everydev1618/acpbridge/acp"
)

// RunCreateRequest is the POST /runs body.
type RunCreateRequest struct {
	Agent     string   `json:"agent"`
	SessionID string   `json:"session_id,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Input     RunInput `json:"input"`
}

// RunInput is the user turn submitted with a run.
type RunInput struct {
	Role    string             `json:"role"`
	Content []acp.ContentBlock `json:"content"`
}

// OutputMessage is the aggregated agent reply in a sync response.
type OutputMessage struct {
	Role    string             `json:"role"`
	Content []acp.ContentBlock `json:"content"`
}

// RunResponse is the sync run result and the cancel acknowledgement.
type RunResponse struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	StopReason string         `json:"stop_reason,omitempty"`
	Output     *OutputMessage `json:"output,omitempty"`
}

// AgentListResponse is the GET /agents body.
type AgentListResponse struct {
	Agents []acpbridge.Manifest `json:"agents"`
}

// SessionListResponse is the GET /sessions body.
type SessionListResponse struct {
	Sessions []acpbridge.Session `json:"sessions"`
}

// SessionDetailResponse is the GET /sessions/{id} body.
type SessionDetailResponse struct {
	Session  acpbridge.Session   `json:"session"`
	Messages []acpbridge.Message `json:"messages"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine-readable kind and a human message.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
