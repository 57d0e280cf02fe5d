// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// document is the on-disk shape of one conversation: metadata plus history in
// a single JSON file, so a Put is one atomic rename.
type document struct {
	model.Conversation
	Messages []model.Message `json:"messages"`
}

// FileStore persists each conversation as <dir>/<id>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// DefaultDir returns the default conversation directory, ~/.starpal/conversations.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".starpal", "conversations"), nil
}

// Dir returns the directory the store persists into, for watchers.
func (s *FileStore) Dir() string {
	return s.dir
}

// =============================================================================
// STORE IMPLEMENTATION
// =============================================================================

// Get returns the message history for a conversation.
func (s *FileStore) Get(id string) ([]model.Message, error) {
	doc, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// Put replaces the message history for a conversation atomically.
func (s *FileStore) Put(id string, history []model.Message) error {
	doc, err := s.load(id)
	if err != nil {
		return err
	}
	doc.Messages = history
	doc.UpdatedAt = time.Now()
	return s.save(doc)
}

// List returns all conversations, most recently updated first.
func (s *FileStore) List() ([]model.Conversation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Conversation{}, nil
		}
		return nil, err
	}

	var convs []model.Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip corrupted files rather than failing the whole list.
			continue
		}
		convs = append(convs, doc.Conversation)
	}

	sortByUpdated(convs)
	return convs, nil
}

// Create adds a new empty conversation.
func (s *FileStore) Create(title string) (model.Conversation, error) {
	conv := model.NewConversation(title)
	doc := &document{Conversation: conv, Messages: []model.Message{}}
	if err := s.save(doc); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// Delete removes a conversation file; history lives in the same file, so the
// cascade is free.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return err
	}
	return nil
}

// Rename sets a conversation's title.
func (s *FileStore) Rename(id, title string) error {
	doc, err := s.load(id)
	if err != nil {
		return err
	}
	doc.Title = title
	doc.UpdatedAt = time.Now()
	return s.save(doc)
}

// SetUnread sets or clears the unread marker without touching UpdatedAt, so
// marking a conversation read does not reorder the sidebar.
func (s *FileStore) SetUnread(id string, unread bool) error {
	doc, err := s.load(id)
	if err != nil {
		return err
	}
	doc.Unread = unread
	return s.save(doc)
}

// Search returns conversations whose title or message content contains the
// query.
func (s *FileStore) Search(query string) ([]model.Conversation, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}
	return matchConversations(s, all, query)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) load(id string) (*document, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *FileStore) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.path(doc.ID), data, 0644)
}
