package acpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/everydev1618/acpbridge/acp"
)

// Session lifecycle states.
const (
	SessionActive     = "active"
	SessionIdle       = "idle"
	SessionTerminated = "terminated"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Session is one persisted bridge session. SouthSessionID is the
// agent-assigned id, recorded once the first agent process binds.
type Session struct {
	ID             string    `json:"id"`
	AgentName      string    `json:"agent_name"`
	SouthSessionID string    `json:"south_session_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// Message is one transcript entry. Sequence is dense per session,
// starting at 1. SouthBlocks retains the agent's blocks exactly as
// they crossed the south wire.
type Message struct {
	SessionID   string             `json:"session_id"`
	Sequence    int                `json:"sequence"`
	Role        string             `json:"role"`
	Content     []acp.ContentBlock `json:"content"`
	SouthBlocks json.RawMessage    `json:"south_blocks,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	AgentName string
	Status    string
}

// SessionPatch updates a subset of session fields. Nil fields are left
// untouched.
type SessionPatch struct {
	SouthSessionID *string
	Status         *string
	LastActiveAt   *time.Time

	// MessageCount overrides the stored count; the next appended
	// message gets sequence count+1.
	MessageCount *int
}

// Store persists sessions and their transcripts.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions returns sessions ordered by last activity, newest
	// first. limit <= 0 means no limit.
	ListSessions(ctx context.Context, filter SessionFilter, limit, offset int) ([]Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
	// DeleteSession removes the session and its messages. Deleting an
	// absent session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage assigns the next sequence number and returns the
	// stored message. The session's message count and last activity are
	// bumped in the same transaction. southBlocks may be nil.
	AppendMessage(ctx context.Context, sessionID, role string, content []acp.ContentBlock, southBlocks json.RawMessage) (Message, error)
	// ListMessages returns messages with sequence > since, ascending.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, since, limit int) ([]Message, error)

	Close() error
}
