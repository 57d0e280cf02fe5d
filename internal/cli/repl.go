// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - Plain-mode interactive chat loop.
//
// Interactive commands:
//   /help               Show available commands
//   /new                Start a new conversation
//   /list               List conversations
//   /open N             Open conversation number N from the last /list
//   /rename TITLE       Rename the open conversation
//   /search QUERY       Search conversation titles
//   /export [md|json]   Export the open conversation to a file
//   /delete             Delete the open conversation
//   /like, /dislike     Send feedback on the last reply
//   /quit               Exit
//   Ctrl+C              Cancel the current reply
//   Ctrl+D              Exit

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/POSE200/Starpal/internal/config"
	"github.com/POSE200/Starpal/internal/export"
	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/render"
	"github.com/POSE200/Starpal/internal/session"
	"github.com/POSE200/Starpal/internal/storage"
	"github.com/POSE200/Starpal/internal/ui/styles"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(styles.Sky).
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Foreground(styles.Violet).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(styles.TextSecondary)

	warnStyle = lipgloss.NewStyle().
			Foreground(styles.Amber)

	errStyle = lipgloss.NewStyle().
			Foreground(styles.Rose).
			Bold(true)

	aiLabelStyle = lipgloss.NewStyle().
			Foreground(styles.Mint).
			Bold(true)
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

const historyFileName = "plain_history"

// LineReader wraps liner with persistent input history.
type LineReader struct {
	line        *liner.State
	historyFile string
}

// NewLineReader creates a reader and loads prior history.
func NewLineReader() *LineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}

	r := &LineReader{
		line:        line,
		historyFile: filepath.Join(dir, historyFileName),
	}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

// ReadInput reads one line with history navigation.
func (r *LineReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close persists history and releases the terminal.
func (r *LineReader) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(r.historyFile,
			os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the plain-mode chat loop state.
type REPL struct {
	cfg      *config.Config
	store    storage.Store
	ctrl     *session.Controller
	renderer *render.Renderer
	reader   *LineReader

	notices chan session.Notice

	// mu guards activeID: the signal goroutine reads it while the loop
	// switches conversations.
	mu       sync.Mutex
	activeID string
	// listing maps the numbers shown by /list to conversation IDs.
	listing []string
}

func (r *REPL) active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

func (r *REPL) setActive(id string) {
	r.mu.Lock()
	r.activeID = id
	r.mu.Unlock()
}

// Run starts the plain chat loop and blocks until the user exits.
func Run(cfg *config.Config, store storage.Store, ctrl *session.Controller) error {
	r := &REPL{
		cfg:     cfg,
		store:   store,
		ctrl:    ctrl,
		reader:  NewLineReader(),
		notices: make(chan session.Notice, 256),
	}
	defer r.reader.Close()

	width := cfg.UI.WordWrap
	if width <= 0 {
		width = TerminalWidth()
	}
	if ColorEnabled() {
		r.renderer = render.NewRenderer(width)
	} else {
		r.renderer = render.NewPlainRenderer(width)
	}

	ctrl.SetNotify(func(n session.Notice) {
		select {
		case r.notices <- n:
		default:
		}
	})

	if err := r.openLatest(); err != nil {
		return err
	}

	fmt.Println(bannerStyle.Render("Starpal") + infoStyle.Render("  plain mode, /help for commands"))

	// Ctrl+C cancels the in-flight reply instead of killing the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if id := r.active(); id != "" && ctrl.IsStreaming(id) {
				ctrl.Cancel(id)
				fmt.Fprintln(os.Stderr, "\n"+warnStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		input, err := r.reader.ReadInput(promptStyle.Render("you> "))
		if err != nil {
			// liner.ErrPromptAborted (Ctrl+C) or EOF (Ctrl+D).
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := r.handleCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		if err := r.sendAndStream(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errStyle.Render("[Error]"), err)
		}
	}
}

// emptyOrNew reuses an existing untitled, empty conversation rather than
// stacking a new one on every /new.
func (r *REPL) emptyOrNew() (model.Conversation, error) {
	if convs, err := r.store.List(); err == nil {
		for _, conv := range convs {
			if !conv.IsUntitled() {
				continue
			}
			if history, err := r.store.Get(conv.ID); err == nil && len(history) == 0 {
				return conv, nil
			}
		}
	}
	return r.store.Create("")
}

// openLatest opens the most recently updated conversation, creating one
// when the store is empty.
func (r *REPL) openLatest() error {
	convs, err := r.store.List()
	if err != nil {
		return err
	}
	var id string
	if len(convs) == 0 {
		conv, err := r.store.Create("")
		if err != nil {
			return err
		}
		id = conv.ID
	} else {
		id = convs[0].ID
	}
	r.setActive(id)
	return r.ctrl.SetActive(id)
}

// =============================================================================
// STREAMING
// =============================================================================

// sendAndStream starts a reply and prints it as it arrives. On a terminal
// the text is collected and rendered as markdown once complete; piped
// output gets the raw stream.
func (r *REPL) sendAndStream(text string) error {
	id := r.active()
	if err := r.ctrl.StartReply(id, text); err != nil {
		return err
	}

	markdown := ColorEnabled()
	printed := 0

	fmt.Println()
	fmt.Println(aiLabelStyle.Render("starpal>"))

	for n := range r.notices {
		if n.ConversationID != id {
			continue
		}
		switch n.Kind {
		case session.NoticeRedraw:
			if markdown {
				continue
			}
			content := r.lastReplyContent()
			if len(content) > printed {
				fmt.Print(content[printed:])
				printed = len(content)
			}

		case session.NoticeFinished, session.NoticeFailed:
			content := r.lastReplyContent()
			if markdown {
				fmt.Println(r.renderer.Render(content))
			} else if len(content) > printed {
				fmt.Println(content[printed:])
			} else {
				fmt.Println()
			}
			if n.Kind == session.NoticeFailed && n.Err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", warnStyle.Render("[Interrupted]"), n.Err)
			}
			fmt.Println()
			return nil
		}
	}
	return nil
}

// lastReplyContent returns the text of the newest AI message, overlay
// included.
func (r *REPL) lastReplyContent() string {
	history, err := r.ctrl.History(r.active())
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleAI {
			return history[i].Content
		}
	}
	return ""
}

// =============================================================================
// COMMANDS
// =============================================================================

// parseCommand splits "/cmd arg text" into its parts.
func parseCommand(input string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(strings.TrimPrefix(input, "/"), " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// handleCommand runs one slash command. The bool reports whether the REPL
// should keep running.
func (r *REPL) handleCommand(input string) (bool, error) {
	cmd, arg := parseCommand(input)

	switch cmd {
	case "help", "h":
		r.printHelp()
		return true, nil

	case "quit", "q":
		return false, nil

	case "new", "n":
		conv, err := r.emptyOrNew()
		if err != nil {
			return true, err
		}
		r.setActive(conv.ID)
		if err := r.ctrl.SetActive(conv.ID); err != nil {
			return true, err
		}
		fmt.Println(infoStyle.Render("Started a new conversation"))
		return true, nil

	case "list", "l":
		return true, r.printList("")

	case "search":
		if arg == "" {
			return true, fmt.Errorf("usage: /search QUERY")
		}
		return true, r.printList(arg)

	case "open", "o":
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 1 || idx > len(r.listing) {
			return true, fmt.Errorf("usage: /open N (run /list first)")
		}
		id := r.listing[idx-1]
		r.setActive(id)
		if err := r.ctrl.SetActive(id); err != nil {
			return true, err
		}
		r.printTranscript()
		return true, nil

	case "rename":
		if arg == "" {
			return true, fmt.Errorf("usage: /rename TITLE")
		}
		return true, r.store.Rename(r.active(), arg)

	case "delete", "d":
		if err := r.ctrl.Delete(r.active()); err != nil {
			return true, err
		}
		fmt.Println(infoStyle.Render("Conversation deleted"))
		return true, r.openLatest()

	case "export":
		return true, r.exportConversation(arg)

	case "like":
		return true, r.sendAndStream("That was a good answer, thanks!")

	case "dislike":
		return true, r.sendAndStream("That answer wasn't helpful.")

	default:
		return true, fmt.Errorf("unknown command: /%s", cmd)
	}
}

func (r *REPL) printHelp() {
	fmt.Println(infoStyle.Render(
		"/new  /list  /open N  /rename TITLE  /search QUERY  /export [md|json]  /delete  /like  /dislike  /quit"))
}

// exportConversation writes the open conversation to the home directory.
func (r *REPL) exportConversation(format string) error {
	exporter, err := export.ForFormat(format)
	if err != nil {
		return err
	}

	convs, err := r.store.List()
	if err != nil {
		return err
	}
	activeID := r.active()
	var conv model.Conversation
	for _, c := range convs {
		if c.ID == activeID {
			conv = c
			break
		}
	}
	if conv.ID == "" {
		return fmt.Errorf("no open conversation")
	}

	history, err := r.ctrl.History(activeID)
	if err != nil {
		return err
	}
	path, err := export.ToFile(conv, history, exporter, export.DefaultDir())
	if err != nil {
		return err
	}
	fmt.Println(infoStyle.Render("Exported to " + path))
	return nil
}

// printList shows conversations, numbered for /open. A non-empty query
// filters by title.
func (r *REPL) printList(query string) error {
	var (
		convs []model.Conversation
		err   error
	)
	if query == "" {
		convs, err = r.store.List()
	} else {
		convs, err = r.store.Search(query)
	}
	if err != nil {
		return err
	}

	r.listing = r.listing[:0]
	for i, conv := range convs {
		r.listing = append(r.listing, conv.ID)
		marker := " "
		if conv.ID == r.active() {
			marker = "*"
		}
		unread := ""
		if conv.Unread {
			unread = warnStyle.Render(" (unread)")
		}
		fmt.Printf("%s %2d. %s%s\n", marker, i+1, conv.Title, unread)
	}
	if len(convs) == 0 {
		fmt.Println(infoStyle.Render("(no conversations)"))
	}
	return nil
}

// printTranscript replays the open conversation.
func (r *REPL) printTranscript() {
	history, err := r.ctrl.History(r.active())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errStyle.Render("[Error]"), err)
		return
	}
	for _, msg := range history {
		switch msg.Role {
		case model.RoleAI:
			fmt.Println(aiLabelStyle.Render("starpal>"))
			fmt.Println(r.renderer.Render(msg.Content))
		default:
			fmt.Println(promptStyle.Render("you> ") + msg.Content)
		}
	}
}
