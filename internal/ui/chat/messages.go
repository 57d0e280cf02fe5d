// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/session"
)

// =============================================================================
// MESSAGES
// =============================================================================

// NoticeMsg wraps a controller notification for the Bubble Tea loop. The
// notify adapter in cmd wiring forwards every session.Notice through
// Program.Send as one of these.
type NoticeMsg struct {
	Notice session.Notice
}

// conversationsMsg delivers a refreshed conversation list.
type conversationsMsg struct {
	convs []model.Conversation
}

// historyMsg delivers a conversation's composed history for display.
type historyMsg struct {
	conversationID string
	messages       []model.Message
}

// openedMsg records that a conversation became (or stayed) the active one.
// Commands never assign Model state from their goroutines; the ID travels
// back as a message and Update applies it.
type openedMsg struct {
	conversationID string
}

// deletedMsg records that a conversation was removed from the store.
type deletedMsg struct {
	conversationID string
}

// errMsg surfaces an operation failure in the status bar.
type errMsg struct {
	err error
}

// statusMsg shows a transient status line.
type statusMsg struct {
	text string
}

// =============================================================================
// COMMANDS
// =============================================================================

// loadConversations lists conversations from the store.
func (m *Model) loadConversations() tea.Cmd {
	return func() tea.Msg {
		convs, err := m.store.List()
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs}
	}
}

// loadHistory fetches the composed history for a conversation.
func (m *Model) loadHistory(conversationID string) tea.Cmd {
	return func() tea.Msg {
		msgs, err := m.ctrl.History(conversationID)
		if err != nil {
			return errMsg{err}
		}
		return historyMsg{conversationID: conversationID, messages: msgs}
	}
}

// searchConversations filters the sidebar by a query.
func (m *Model) searchConversations(query string) tea.Cmd {
	return func() tea.Msg {
		convs, err := m.store.Search(query)
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs}
	}
}
