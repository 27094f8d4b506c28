// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the persistence gateway for chat sessions and messages.
//
// Two tables back the service: sessions and messages, joined by a foreign
// key with cascading delete so no orphan message can outlive its session.
// Messages are append-only; the session row is the only mutable entity
// (title and updated_at). Every write commits before the call returns.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultSessionTitle is assigned to sessions created without a title.
const DefaultSessionTitle = "New Conversation"

var (
	// ErrSessionNotFound reports a session id that does not reference an
	// existing session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRole reports a message role outside user/assistant/system.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrReasoningNotAllowed reports reasoning content on a non-assistant
	// message. Only assistant messages produced under thinking mode carry
	// reasoning.
	ErrReasoningNotAllowed = errors.New("reasoning content is only valid on assistant messages")
)

// Session is one conversation. UpdatedAt is bumped whenever the row is
// written or a message is appended.
type Session struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one immutable transcript entry. ReasoningContent is present
// only on assistant messages produced under thinking mode.
type Message struct {
	ID               int64     `json:"id"`
	SessionID        int64     `json:"session_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store exposes the CRUD surface the chat service needs. All writes commit
// synchronously; callers never observe a half-committed state.
type Store interface {
	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context, title string) (Session, error)
	GetSession(ctx context.Context, id int64) (Session, bool, error)
	UpdateSessionTitle(ctx context.Context, id int64, title string) (Session, error)
	DeleteSession(ctx context.Context, id int64) error
	ListMessages(ctx context.Context, sessionID int64) ([]Message, error)
	AppendMessage(ctx context.Context, sessionID int64, role, content, reasoning string) (Message, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at dsn and
// runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Cascading delete of messages depends on foreign keys being enforced.
	// The DSN parameter applies the pragma to every pooled connection; a
	// one-off PRAGMA statement would only reach the connection it ran on.
	if !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so schema and data survive across goroutines.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			reasoning_content TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions
		 ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CreateSession inserts a new session. An empty title falls back to
// DefaultSessionTitle.
func (s *SQLiteStore) CreateSession(ctx context.Context, title string) (Session, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now, now)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, fmt.Errorf("create session id: %w", err)
	}
	return Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession looks up a session by id. Absence is reported via the bool,
// not an error.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (Session, bool, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, true, nil
}

// UpdateSessionTitle sets a session's title and bumps updated_at. Returns
// ErrSessionNotFound when the id is unknown.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id int64, title string) (Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, now, id)
	if err != nil {
		return Session{}, fmt.Errorf("update session %d title: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("update session %d title: %w", id, err)
	}
	if affected == 0 {
		return Session{}, ErrSessionNotFound
	}

	sess, _, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// DeleteSession removes a session and, via the foreign key cascade, every
// message it owns. Returns ErrSessionNotFound when the id is unknown.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListMessages returns a session's messages in chronological order. The id
// tiebreak keeps messages written within the same clock tick in insertion
// order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, reasoning_content, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var reasoning sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&reasoning, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if reasoning.Valid {
			msg.ReasoningContent = reasoning.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessage inserts one message and bumps the owning session's
// updated_at in the same transaction. Reasoning content is rejected on
// non-assistant roles and stored as NULL when empty.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID int64,
	role, content, reasoning string) (Message, error) {

	switch role {
	case "user", "assistant", "system":
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if reasoning != "" && role != "assistant" {
		return Message{}, ErrReasoningNotAllowed
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("append message: touch session %d: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if affected == 0 {
		return Message{}, ErrSessionNotFound
	}

	var reasoningVal sql.NullString
	if reasoning != "" {
		reasoningVal = sql.NullString{String: reasoning, Valid: true}
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, reasoning_content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, content, reasoningVal, now)
	if err != nil {
		return Message{}, fmt.Errorf("append message to session %d: %w", sessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}

	return Message{
		ID:               id,
		SessionID:        sessionID,
		Role:             role,
		Content:          content,
		ReasoningContent: reasoning,
		CreatedAt:        now,
	}, nil
}

var _ Store = (*SQLiteStore)(nil)
