package acpbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/everydev1618/acpbridge/acp"
)

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		south_session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		role TEXT NOT NULL,
		content_json TEXT NOT NULL,
		south_blocks_json TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_name, south_session_id, status, created_at, last_active_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentName, sess.SouthSessionID, sess.Status,
		sess.CreatedAt.UTC(), sess.LastActiveAt.UTC(), sess.MessageCount)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter, limit, offset int) ([]Session, error) {
	query := `
		SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		FROM sessions`
	var conds []string
	var args []any
	if filter.AgentName != "" {
		conds = append(conds, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_active_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	var sets []string
	var args []any
	if patch.SouthSessionID != nil {
		sets = append(sets, "south_session_id = ?")
		args = append(args, *patch.SouthSessionID)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, patch.LastActiveAt.UTC())
	}
	if patch.MessageCount != nil {
		sets = append(sets, "message_count = ?")
		args = append(args, *patch.MessageCount)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role string, content []acp.ContentBlock, southBlocks json.RawMessage) (Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("marshal content: %w", err)
	}
	var south any
	if southBlocks != nil {
		south = string(southBlocks)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT message_count FROM sessions WHERE id = ?", sessionID).Scan(&count)
	if err == sql.ErrNoRows {
		return Message{}, ErrSessionNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("read message count: %w", err)
	}

	seq := count + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, sequence, role, content_json, south_blocks_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, role, string(data), south, now)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET message_count = ?, last_active_at = ? WHERE id = ?",
		seq, now, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("bump session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	return Message{
		SessionID:   sessionID,
		Sequence:    seq,
		Role:        role,
		Content:     content,
		SouthBlocks: southBlocks,
		CreatedAt:   now,
	}, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, since, limit int) ([]Message, error) {
	query := `
		SELECT session_id, sequence, role, content_json, south_blocks_json, created_at
		FROM messages WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{sessionID, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var content string
		var southBlocks sql.NullString
		if err := rows.Scan(&m.SessionID, &m.Sequence, &m.Role, &content, &southBlocks, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		if southBlocks.Valid && southBlocks.String != "" {
			m.SouthBlocks = json.RawMessage(southBlocks.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount)
	if err == sql.ErrNoRows {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActiveAt = sess.LastActiveAt.UTC()
	return sess, nil
}
