// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/POSE200/Starpal/internal/config"
	"github.com/POSE200/Starpal/internal/export"
	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/render"
	"github.com/POSE200/Starpal/internal/session"
	"github.com/POSE200/Starpal/internal/storage"
	"github.com/POSE200/Starpal/internal/ui/styles"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// maxInputChars mirrors the backend's message length limit.
	maxInputChars = 1000

	// sidebarWidth is the conversation list width in columns.
	sidebarWidth = 28

	// Feedback texts sent as ordinary user messages; the backend treats
	// them like any other turn and replies.
	likeFeedback    = "That was a good answer, thanks!"
	dislikeFeedback = "That answer wasn't helpful."
)

// focusArea tracks which pane receives key input.
type focusArea int

const (
	focusInput focusArea = iota
	focusSidebar
)

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view.
type Model struct {
	ctrl     *session.Controller
	store    storage.Store
	cfg      *config.Config
	theme    *styles.Theme
	renderer *render.Renderer

	// UI components
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	keyMap   KeyMap
	gate     *RedrawGate

	// State
	convs          []model.Conversation
	selected       int
	activeID       string
	history        []model.Message
	sidebarVisible bool
	focus          focusArea
	editing        bool
	editIndex      int
	ticking        bool

	// Layout
	width  int
	height int
	ready  bool

	// Status line
	status  string
	lastErr error
}

// New creates the chat model. The controller's notify callback must be
// wired to Program.Send with NoticeMsg by the caller.
func New(ctrl *session.Controller, store storage.Store, cfg *config.Config,
	theme *styles.Theme, renderer *render.Renderer) *Model {

	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help"
	ti.CharLimit = maxInputChars
	ti.Prompt = "> "
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.StatusStream

	return &Model{
		ctrl:           ctrl,
		store:          store,
		cfg:            cfg,
		theme:          theme,
		renderer:       renderer,
		input:          ti,
		spinner:        sp,
		keyMap:         DefaultKeyMap(),
		gate:           NewRedrawGate(),
		sidebarVisible: cfg.UI.ShowSidebar,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.loadConversations())
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case NoticeMsg:
		return m.handleNotice(msg.Notice)

	case StreamTickMsg:
		return m.handleStreamTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case conversationsMsg:
		m.convs = msg.convs
		if m.selected >= len(m.convs) {
			m.selected = len(m.convs) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}
		return m, nil

	case historyMsg:
		if msg.conversationID != m.activeID {
			return m, nil
		}
		m.history = msg.messages
		m.refreshViewport()
		return m, nil

	case openedMsg:
		if m.activeID != msg.conversationID {
			m.activeID = msg.conversationID
			m.history = nil
		}
		return m, tea.Batch(m.loadHistory(msg.conversationID), m.loadConversations())

	case deletedMsg:
		if m.activeID == msg.conversationID {
			m.activeID = ""
			m.history = nil
			m.ticking = false
			m.gate.Reset()
		}
		m.status = "Conversation deleted"
		return m, m.loadConversations()

	case errMsg:
		m.lastErr = msg.err
		return m, nil

	case statusMsg:
		m.status = msg.text
		m.lastErr = nil
		return m, nil
	}

	return m, nil
}

// handleNotice reacts to controller notifications.
func (m *Model) handleNotice(n session.Notice) (tea.Model, tea.Cmd) {
	switch n.Kind {
	case session.NoticeRedraw:
		if n.ConversationID != m.activeID {
			return m, nil
		}
		m.gate.Mark()
		if !m.ticking {
			m.ticking = true
			return m, streamTickCmd()
		}
		return m, nil

	case session.NoticeFinished:
		m.gate.ForceRepaint()
		var cmds []tea.Cmd
		if n.ConversationID == m.activeID {
			cmds = append(cmds, m.loadHistory(m.activeID))
		}
		cmds = append(cmds, m.loadConversations())
		return m, tea.Batch(cmds...)

	case session.NoticeFailed:
		m.gate.ForceRepaint()
		m.lastErr = n.Err
		var cmds []tea.Cmd
		if n.ConversationID == m.activeID {
			cmds = append(cmds, m.loadHistory(m.activeID))
		}
		cmds = append(cmds, m.loadConversations())
		return m, tea.Batch(cmds...)

	case session.NoticeConversations:
		return m, m.loadConversations()
	}
	return m, nil
}

// handleStreamTick repaints the live conversation when the gate allows it.
func (m *Model) handleStreamTick() (tea.Model, tea.Cmd) {
	if m.activeID == "" {
		m.ticking = false
		m.gate.Reset()
		return m, nil
	}
	var cmds []tea.Cmd
	if m.gate.TakeRepaint() {
		cmds = append(cmds, m.loadHistory(m.activeID))
	}
	if m.ctrl.IsStreaming(m.activeID) {
		cmds = append(cmds, streamTickCmd())
	} else {
		m.ticking = false
		if m.gate.ForceRepaint() {
			cmds = append(cmds, m.loadHistory(m.activeID))
		}
	}
	return m, tea.Batch(cmds...)
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keyMap.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keyMap.ToggleSidebar):
		m.sidebarVisible = !m.sidebarVisible
		if !m.sidebarVisible {
			m.focus = focusInput
			m.input.Focus()
		}
		m.resize(m.width, m.height)
		return m, nil

	case key.Matches(msg, m.keyMap.FocusSwitch):
		if m.sidebarVisible {
			if m.focus == focusInput {
				m.focus = focusSidebar
				m.input.Blur()
			} else {
				m.focus = focusInput
				m.input.Focus()
			}
		}
		return m, nil

	case key.Matches(msg, m.keyMap.NewConv):
		return m, m.newConversation()

	case key.Matches(msg, m.keyMap.Stop):
		if m.activeID != "" && m.ctrl.IsStreaming(m.activeID) {
			if err := m.ctrl.Cancel(m.activeID); err != nil {
				m.lastErr = err
			}
			return m, nil
		}
		if m.editing {
			m.editing = false
			m.input.SetValue("")
			m.status = "Edit cancelled"
		}
		return m, nil
	}

	if m.focus == focusSidebar {
		return m.handleSidebarKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m *Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keyMap.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case key.Matches(msg, m.keyMap.Down):
		if m.selected < len(m.convs)-1 {
			m.selected++
		}
		return m, nil

	case key.Matches(msg, m.keyMap.Submit):
		if m.selected < len(m.convs) {
			return m, m.openConversation(m.convs[m.selected].ID)
		}
		return m, nil

	case key.Matches(msg, m.keyMap.Delete):
		if m.selected < len(m.convs) {
			return m, m.deleteConversation(m.convs[m.selected].ID)
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keyMap.Submit):
		return m, m.submitInput()

	case key.Matches(msg, m.keyMap.Regenerate):
		return m, m.regenerateLast()

	case key.Matches(msg, m.keyMap.EditLast):
		m.beginEditLast()
		return m, nil

	case key.Matches(msg, m.keyMap.PageUp), key.Matches(msg, m.keyMap.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// ACTIONS
// =============================================================================

// submitInput sends the typed text: a slash command, an edit resubmission,
// or a fresh user message.
func (m *Model) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "/") {
		m.input.SetValue("")
		return m.handleCommand(text)
	}

	if m.editing {
		idx := m.editIndex
		m.editing = false
		m.input.SetValue("")
		return m.resubmitEdit(idx, text)
	}

	m.input.SetValue("")
	return m.sendMessage(text)
}

// sendMessage starts a reply, creating a conversation first if none is
// open. Commands run on their own goroutines, so Model fields are captured
// here and any state change comes back as a message for Update to apply.
func (m *Model) sendMessage(text string) tea.Cmd {
	id := m.activeID
	return func() tea.Msg {
		if id == "" {
			conv, err := findOrCreateEmpty(m.store)
			if err != nil {
				return errMsg{err}
			}
			id = conv.ID
			if err := m.ctrl.SetActive(id); err != nil {
				return errMsg{err}
			}
		}
		if err := m.ctrl.StartReply(id, text); err != nil {
			if errors.Is(err, session.ErrReplyInFlight) {
				return statusMsg{"A reply is already streaming; press Esc to stop it first"}
			}
			return errMsg{err}
		}
		return openedMsg{conversationID: id}
	}
}

func (m *Model) resubmitEdit(idx int, text string) tea.Cmd {
	id := m.activeID
	return func() tea.Msg {
		if err := m.ctrl.EditAndResubmit(id, idx, text); err != nil {
			return errMsg{err}
		}
		return openedMsg{conversationID: id}
	}
}

// regenerateLast re-requests the most recent AI reply.
func (m *Model) regenerateLast() tea.Cmd {
	idx := lastAIIndex(m.history)
	if idx < 0 {
		m.status = "Nothing to regenerate"
		return nil
	}
	id := m.activeID
	return func() tea.Msg {
		if err := m.ctrl.Regenerate(id, idx); err != nil {
			if errors.Is(err, session.ErrReplyInFlight) {
				return statusMsg{"A reply is already streaming"}
			}
			return errMsg{err}
		}
		return openedMsg{conversationID: id}
	}
}

// beginEditLast loads the most recently answered user message into the
// input for editing.
func (m *Model) beginEditLast() {
	idx := lastEditableUserIndex(m.history)
	if idx < 0 {
		m.status = "Only the most recently answered message can be edited"
		return
	}
	m.editing = true
	m.editIndex = idx
	m.input.SetValue(m.history[idx].Content)
	m.input.CursorEnd()
	m.status = "Editing message; Enter resubmits, Esc cancels"
}

func (m *Model) newConversation() tea.Cmd {
	return func() tea.Msg {
		conv, err := findOrCreateEmpty(m.store)
		if err != nil {
			return errMsg{err}
		}
		if err := m.ctrl.SetActive(conv.ID); err != nil {
			return errMsg{err}
		}
		return openedMsg{conversationID: conv.ID}
	}
}

// findOrCreateEmpty returns an existing untitled conversation with no
// messages when one exists, so "new conversation" does not stack empties.
func findOrCreateEmpty(store storage.Store) (model.Conversation, error) {
	if convs, err := store.List(); err == nil {
		for _, conv := range convs {
			if !conv.IsUntitled() {
				continue
			}
			if history, err := store.Get(conv.ID); err == nil && len(history) == 0 {
				return conv, nil
			}
		}
	}
	return store.Create("")
}

func (m *Model) openConversation(id string) tea.Cmd {
	m.gate.Reset()
	m.focus = focusInput
	m.input.Focus()
	return func() tea.Msg {
		if err := m.ctrl.SetActive(id); err != nil {
			return errMsg{err}
		}
		return openedMsg{conversationID: id}
	}
}

func (m *Model) deleteConversation(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.Delete(id); err != nil {
			return errMsg{err}
		}
		return deletedMsg{conversationID: id}
	}
}

// handleCommand dispatches a slash command.
func (m *Model) handleCommand(text string) tea.Cmd {
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "rename":
		if m.activeID == "" || arg == "" {
			m.status = "Usage: /rename <new title>"
			return nil
		}
		id := m.activeID
		return func() tea.Msg {
			if err := m.store.Rename(id, arg); err != nil {
				return errMsg{err}
			}
			return statusMsg{"Renamed"}
		}
	case "search":
		if arg == "" {
			return m.loadConversations()
		}
		return m.searchConversations(arg)
	case "export":
		if m.activeID == "" {
			m.status = "No conversation to export"
			return nil
		}
		return m.exportConversation(arg)
	case "like":
		return m.sendMessage(likeFeedback)
	case "dislike":
		return m.sendMessage(dislikeFeedback)
	case "help":
		m.status = "/rename <title>, /search <query>, /export [md|json], /like, /dislike"
		return nil
	default:
		m.status = "Unknown command: /" + cmd
		return nil
	}
}

// exportConversation writes the open conversation to a file in the home
// directory.
func (m *Model) exportConversation(format string) tea.Cmd {
	conv, ok := m.activeConversation()
	if !ok {
		m.status = "No conversation to export"
		return nil
	}
	return func() tea.Msg {
		exporter, err := export.ForFormat(format)
		if err != nil {
			return errMsg{err}
		}
		history, err := m.ctrl.History(conv.ID)
		if err != nil {
			return errMsg{err}
		}
		path, err := export.ToFile(conv, history, exporter, export.DefaultDir())
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{"Exported to " + path}
	}
}

// =============================================================================
// HISTORY HELPERS
// =============================================================================

// lastAIIndex returns the index of the last regenerable AI reply, or -1.
func lastAIIndex(history []model.Message) int {
	for i := len(history) - 1; i > 0; i-- {
		if history[i].Role == model.RoleAI && history[i-1].Role == model.RoleUser {
			return i
		}
	}
	return -1
}

// lastEditableUserIndex returns the index of the most recently answered
// user message, or -1. Editing is restricted to a user message directly
// followed by its AI reply.
func lastEditableUserIndex(history []model.Message) int {
	for i := len(history) - 2; i >= 0; i-- {
		if history[i].Role == model.RoleUser && history[i+1].Role == model.RoleAI {
			return i
		}
	}
	return -1
}
