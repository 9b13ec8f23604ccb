// Package acp implements the south side of the bridge: a line-delimited
// JSON-RPC 2.0 client for agent subprocesses speaking the ZedACP dialect.
package acp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// message is the JSON-RPC 2.0 envelope used for both directions.
// Outgoing requests set ID and Method; notifications set only Method.
// Incoming responses set ID and one of Result/Error.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error payload returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes the bridge cares about.
const (
	CodeMethodNotFound = -32601
	// CodeCancelled is the non-standard code agents use to resolve a
	// prompt whose session was cancelled.
	CodeCancelled = 499
)

// ContentBlock is one item of a prompt or reply. Known variants are
// text and image; anything else is carried through verbatim. The raw
// JSON of every decoded block is retained so that unknown variants and
// unknown fields survive a round trip unchanged.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	raw json.RawMessage
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = ContentBlock(p)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	type plain ContentBlock
	return json.Marshal(plain(b))
}

// InitializeParams is sent on the initialize request.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities advertises what the bridge offers the agent.
type ClientCapabilities struct {
	FS       FSCapability `json:"fs"`
	Terminal bool         `json:"terminal"`
}

// FSCapability describes filesystem access offered to the agent.
type FSCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// AuthMethod is one authentication scheme offered by the agent.
type AuthMethod struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InitializeResult is the agent's reply to initialize.
type InitializeResult struct {
	ProtocolVersion   json.RawMessage `json:"protocolVersion,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// AuthenticateParams selects an authentication method.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// NewSessionParams is sent on session/new.
type NewSessionParams struct {
	Cwd        string            `json:"cwd"`
	MCPServers []json.RawMessage `json:"mcpServers"`
}

// NewSessionResult carries the agent-assigned session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams is sent on session/load.
type LoadSessionParams struct {
	SessionID  string            `json:"sessionId"`
	Cwd        string            `json:"cwd,omitempty"`
	MCPServers []json.RawMessage `json:"mcpServers"`
}

// PromptParams is sent on session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// promptResponse is the wire shape of the session/prompt result.
type promptResponse struct {
	StopReason string `json:"stopReason,omitempty"`
}

// CancelParams is sent on the session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// sessionUpdateParams is the payload of a session/update notification.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// sessionUpdateBody is the inner update object.
type sessionUpdateBody struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// Update kinds emitted during a prompt. Anything the agent sends that
// is not listed here is passed through with its own kind string.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdatePlan              = "plan"
	UpdateThought           = "thought"
)

// Update is one session/update notification, re-emitted to the caller
// during a prompt. Text is set for agent_message_chunk; Raw holds the
// agent's update object verbatim for every kind.
type Update struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// PromptResult is the outcome of one session/prompt exchange.
type PromptResult struct {
	// Content is the aggregated agent reply: the concatenated text of
	// all agent_message_chunk updates as a single text block, followed
	// by any non-text blocks in arrival order.
	Content []ContentBlock

	// Text is the concatenated chunk text, for convenience.
	Text string

	// StopReason is the agent-reported stop reason, when present.
	StopReason string

	// Cancelled reports that the agent resolved the prompt as
	// cancelled, either via a session/cancelled notification or an
	// error response with the cancellation code.
	Cancelled bool
}
