// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable conversation persistence for starpal.
//
// Two backends implement the same Store contract: a one-JSON-file-per-
// conversation store with atomic writes, and a SQLite store. The file store
// is the default; the SQLite store is selected by configuration.
package storage

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/POSE200/Starpal/internal/model"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// Store is the durable home of conversations and their message histories.
// Put is atomic per conversation; no multi-key transactional guarantees are
// offered or needed. Once a message is committed here it is ground truth —
// in-flight streaming state never lives in the store.
type Store interface {
	// Get returns the message history for a conversation.
	Get(id string) ([]model.Message, error)

	// Put replaces the message history for a conversation atomically and
	// bumps its updated time.
	Put(id string, history []model.Message) error

	// List returns all conversations, most recently updated first.
	List() ([]model.Conversation, error)

	// Create adds a new empty conversation.
	Create(title string) (model.Conversation, error)

	// Delete removes a conversation and, cascading, its message history.
	Delete(id string) error

	// Rename sets a conversation's title.
	Rename(id, title string) error

	// SetUnread sets or clears the unread marker.
	SetUnread(id string, unread bool) error

	// Search returns conversations whose title or message content matches
	// the query, case-insensitively.
	Search(query string) ([]model.Conversation, error)

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// NotFoundError reports a conversation ID with no stored record.
// Use errors.Is(err, ErrNotFound) to check for it.
type NotFoundError struct {
	ID string
}

// ErrNotFound is the comparison target for NotFoundError.
var ErrNotFound = &NotFoundError{}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return "conversation not found"
	}
	return "conversation not found: " + e.ID
}

// Is implements errors.Is support: every NotFoundError matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// sortByUpdated orders conversations most recently updated first.
func sortByUpdated(convs []model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

// matchConversations filters convs to those whose title or stored history
// contains query. Unicode case folding keeps matching correct beyond ASCII.
// Shared by both backends so search semantics cannot drift between them.
func matchConversations(s Store, convs []model.Conversation, query string) ([]model.Conversation, error) {
	fold := cases.Fold()
	needle := fold.String(query)

	var results []model.Conversation
	for _, conv := range convs {
		if strings.Contains(fold.String(conv.Title), needle) {
			results = append(results, conv)
			continue
		}
		history, err := s.Get(conv.ID)
		if err != nil {
			continue
		}
		for _, msg := range history {
			if strings.Contains(fold.String(msg.Content), needle) {
				results = append(results, conv)
				break
			}
		}
	}
	return results, nil
}
