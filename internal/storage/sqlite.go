// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/POSE200/Starpal/internal/model"
)

// schema for the SQLite backend. Message order is the seq column; deleting a
// conversation cascades to its messages.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    created_at INTEGER NOT NULL,  -- Unix milliseconds
    updated_at INTEGER NOT NULL,
    unread     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    time            INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, seq),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore persists conversations in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single writer; avoids SQLITE_BUSY under concurrent reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// DefaultDBPath returns the default database location, ~/.starpal/starpal.db.
func DefaultDBPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(dir), "starpal.db"), nil
}

// =============================================================================
// STORE IMPLEMENTATION
// =============================================================================

// Get returns the message history for a conversation.
func (s *SQLiteStore) Get(id string) ([]model.Message, error) {
	if err := s.exists(id); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT role, content, time FROM messages
		 WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []model.Message{}
	for rows.Next() {
		var role, content string
		var ms int64
		if err := rows.Scan(&role, &content, &ms); err != nil {
			return nil, err
		}
		history = append(history, model.Message{
			Role:    model.Role(role),
			Content: content,
			Time:    time.UnixMilli(ms),
		})
	}
	return history, rows.Err()
}

// Put replaces the message history for a conversation in one transaction.
func (s *SQLiteStore) Put(id string, history []model.Message) error {
	if err := s.exists(id); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	for seq, msg := range history {
		if _, err := tx.Exec(
			`INSERT INTO messages (conversation_id, seq, role, content, time)
			 VALUES (?, ?, ?, ?, ?)`,
			id, seq, string(msg.Role), msg.Content, msg.Time.UnixMilli()); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return err
	}

	return tx.Commit()
}

// List returns all conversations, most recently updated first.
func (s *SQLiteStore) List() ([]model.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at, unread
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Create adds a new empty conversation.
func (s *SQLiteStore) Create(title string) (model.Conversation, error) {
	conv := model.NewConversation(title)
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, title, created_at, updated_at, unread)
		 VALUES (?, ?, ?, ?, 0)`,
		conv.ID, conv.Title, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// Delete removes a conversation; the schema cascades to its messages.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Rename sets a conversation's title.
func (s *SQLiteStore) Rename(id, title string) error {
	return s.updateMeta(id,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UnixMilli(), id)
}

// SetUnread sets or clears the unread marker.
func (s *SQLiteStore) SetUnread(id string, unread bool) error {
	flag := 0
	if unread {
		flag = 1
	}
	return s.updateMeta(id,
		`UPDATE conversations SET unread = ? WHERE id = ?`, flag, id)
}

// Search returns conversations whose title or message content matches the
// query. SQLite LIKE is case-insensitive for ASCII only, so folding happens
// in Go rather than in SQL.
func (s *SQLiteStore) Search(query string) ([]model.Conversation, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}
	return matchConversations(s, all, query)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *SQLiteStore) exists(id string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{ID: id}
	}
	return err
}

func (s *SQLiteStore) updateMeta(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func scanConversation(rows *sql.Rows) (model.Conversation, error) {
	var conv model.Conversation
	var created, updated int64
	var unread int
	if err := rows.Scan(&conv.ID, &conv.Title, &created, &updated, &unread); err != nil {
		return model.Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(created)
	conv.UpdatedAt = time.UnixMilli(updated)
	conv.Unread = unread != 0
	return conv, nil
}
