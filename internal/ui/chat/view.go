// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

const (
	headerHeight = 1
	inputHeight  = 3
	statusHeight = 1
)

// resize recomputes component dimensions after a terminal size change.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	contentWidth := width
	if m.sidebarVisible {
		contentWidth -= sidebarWidth
	}
	if contentWidth < 20 {
		contentWidth = 20
	}

	vpHeight := height - headerHeight - inputHeight - statusHeight
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(contentWidth, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = vpHeight
	}
	m.input.Width = contentWidth - 6
	// A configured word_wrap pins the renderer width; otherwise it tracks
	// the terminal.
	if m.cfg.UI.WordWrap <= 0 {
		m.renderer.Resize(contentWidth - 4)
	}
	m.refreshViewport()
}

// refreshViewport rebuilds the transcript content and keeps the view
// pinned to the bottom.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderHistory())
	if atBottom || m.ctrl.IsStreaming(m.activeID) {
		m.viewport.GotoBottom()
	}
}

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "Starting..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewport.View(),
		m.inputView(),
	)

	var body string
	if m.sidebarVisible {
		body = lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), main)
	} else {
		body = main
	}

	return lipgloss.JoinVertical(lipgloss.Left, body, m.statusView())
}

func (m *Model) headerView() string {
	title := "Starpal"
	if conv, ok := m.activeConversation(); ok {
		title = conv.Title
	}
	width := m.viewport.Width
	return m.theme.Header.Width(width).Render(
		m.theme.HeaderTitle.Render(util.TruncateWidth(title, width-2)))
}

// activeConversation looks up the open conversation's metadata.
func (m *Model) activeConversation() (model.Conversation, bool) {
	for _, c := range m.convs {
		if c.ID == m.activeID {
			return c, true
		}
	}
	return model.Conversation{}, false
}

func (m *Model) inputView() string {
	prompt := m.theme.InputPrompt.Render("> ")
	if m.editing {
		prompt = m.theme.InputPrompt.Render("edit> ")
	}
	m.input.Prompt = ""
	return m.theme.InputContainer.Width(m.viewport.Width - 2).Render(
		prompt + m.input.View())
}

func (m *Model) statusView() string {
	var left string
	switch {
	case m.lastErr != nil:
		left = m.theme.StatusError.Render("✗ " + util.OneLine(m.lastErr.Error()))
	case m.ctrl.IsStreaming(m.activeID):
		left = m.theme.StatusStream.Render(m.spinner.View() + "streaming... Esc stops")
	case m.status != "":
		left = m.theme.StatusBar.Render(m.status)
	default:
		left = m.shortcutsView()
	}
	return m.theme.StatusBar.Width(m.width).Render(util.TruncateWidth(left, m.width))
}

func (m *Model) shortcutsView() string {
	var b strings.Builder
	for i, entry := range m.keyMap.helpEntries() {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(m.theme.ShortcutKey.Render(entry[0]))
		b.WriteString(" ")
		b.WriteString(m.theme.ShortcutDesc.Render(entry[1]))
	}
	return b.String()
}

// =============================================================================
// TRANSCRIPT RENDERING
// =============================================================================

// renderHistory renders the full transcript of the open conversation.
func (m *Model) renderHistory() string {
	if m.activeID == "" {
		return m.greetingView()
	}
	if len(m.history) == 0 {
		if m.cfg.UI.Greeting {
			return m.greetingView()
		}
		return ""
	}

	var b strings.Builder
	for i, msg := range m.history {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	return b.String()
}

// greetingView shows the welcome text for an empty transcript. It is
// display only and never written to storage.
func (m *Model) greetingView() string {
	bubble := m.theme.AIBubble.Render(greetingFor(time.Now()))
	label := m.theme.RoleLabel.Render(model.RoleAI.DisplayName())
	return label + "\n" + bubble
}

// greetingFor picks the empty-state welcome line by time of day.
func greetingFor(now time.Time) string {
	switch h := now.Hour(); {
	case h < 6:
		return "Up late? I'm here whenever you need me."
	case h < 12:
		return "Good morning! What can I help you with today?"
	case h < 18:
		return "Good afternoon! What can I help you with?"
	default:
		return "Good evening! What's on your mind?"
	}
}

// renderMessage renders one message as a labelled bubble. AI content goes
// through the markdown renderer; user content stays verbatim.
func (m *Model) renderMessage(msg model.Message) string {
	label := m.theme.RoleLabel.Render(msg.Role.DisplayName())
	stamp := m.theme.Timestamp.Render(msg.Time.Format("15:04"))

	var body string
	switch msg.Role {
	case model.RoleAI:
		if msg.IsPlaceholder() && m.ctrl.IsStreaming(m.activeID) {
			body = m.theme.AIBubble.Render(m.spinner.View() + "thinking...")
		} else {
			body = m.theme.AIBubble.Render(m.renderer.Render(msg.Content))
		}
	default:
		body = m.theme.UserBubble.Render(msg.Content)
	}

	return label + " " + stamp + "\n" + body
}
