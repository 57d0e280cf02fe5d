// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/POSE200/Starpal/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAI:
		return "Starpal"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry in a conversation history.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Time: time.Now()}
}

// NewAIPlaceholder creates the empty AI message that is appended when a reply
// begins streaming. Its content grows in place until the reply is committed.
func NewAIPlaceholder() Message {
	return Message{Role: RoleAI, Time: time.Now()}
}

// IsPlaceholder reports whether the message is an AI message with no content
// yet, i.e. a valid streaming target.
func (m Message) IsPlaceholder() bool {
	return m.Role == RoleAI && m.Content == ""
}

// Preview returns a single-line truncated preview of the message content.
func (m Message) Preview(maxLen int) string {
	return util.Truncate(util.OneLine(m.Content), maxLen)
}
