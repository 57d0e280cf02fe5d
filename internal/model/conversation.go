// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DefaultTitle is the title given to a conversation before its first message.
const DefaultTitle = "New conversation"

// titlePreviewLen is how many runes of the first user message become the
// auto-generated title.
const titlePreviewLen = 50

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the metadata record for one chat. The message history is
// stored separately, keyed by ID.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Unread marks a conversation whose reply finished while another
	// conversation was displayed.
	Unread bool `json:"unread,omitempty"`
}

// NewConversation creates a conversation with a generated ID.
func NewConversation(title string) Conversation {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now()
	return Conversation{
		ID:        generateConversationID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsUntitled reports whether the conversation still carries the default
// title, meaning the first user message should name it.
func (c Conversation) IsUntitled() bool {
	return c.Title == "" || c.Title == DefaultTitle
}

// TitleFor derives a conversation title from a user message.
func TitleFor(userContent string) string {
	m := Message{Content: userContent}
	title := m.Preview(titlePreviewLen)
	if title == "" {
		return DefaultTitle
	}
	return title
}

// =============================================================================
// HISTORY HELPERS
// =============================================================================

// LastMessage returns the final message of a history, or false when empty.
func LastMessage(history []Message) (Message, bool) {
	if len(history) == 0 {
		return Message{}, false
	}
	return history[len(history)-1], true
}

// TrimTrailingPlaceholder drops a dangling empty AI message left behind by an
// interrupted reply. A placeholder is only ever transient; one must never
// survive into the history a new reply builds on.
func TrimTrailingPlaceholder(history []Message) []Message {
	if last, ok := LastMessage(history); ok && last.IsPlaceholder() {
		return history[:len(history)-1]
	}
	return history
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}
