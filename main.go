// Starpal - a terminal client for the Starpal chat backend.
//
// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/POSE200/Starpal/internal/api"
	"github.com/POSE200/Starpal/internal/cli"
	"github.com/POSE200/Starpal/internal/config"
	"github.com/POSE200/Starpal/internal/render"
	"github.com/POSE200/Starpal/internal/session"
	"github.com/POSE200/Starpal/internal/storage"
	"github.com/POSE200/Starpal/internal/ui/chat"
	"github.com/POSE200/Starpal/internal/ui/styles"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const logFileName = "starpal.log"

func main() {
	var (
		plainMode  = flag.Bool("plain", false, "use the line-oriented interface instead of the TUI")
		configPath = flag.String("config", "", "path to config file (default ~/.starpal/config.toml)")
		serverURL  = flag.String("server", "", "backend base URL (overrides config)")
		username   = flag.String("username", "", "username to authenticate as (overrides config)")
		verbose    = flag.Bool("verbose", false, "log at debug level")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("starpal %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	if *username != "" {
		cfg.Username = *username
	}
	if cfg.Username == "" {
		fatal(fmt.Errorf("no username configured: set username in the config file, STARPAL_USERNAME, or --username"))
	}

	log, logClose := openLogger(*verbose)
	defer logClose()
	slog.SetDefault(log)

	store, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	client := api.NewClient(cfg.Server.BaseURL, cfg.Username,
		api.WithRateLimit(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
		api.WithSystemPrompt(cfg.Server.SystemPrompt),
		api.WithLogger(log))

	ctrl := session.NewController(store, client, session.WithLogger(log))

	if *plainMode || !cli.IsTTY() {
		if err := cli.Run(cfg, store, ctrl); err != nil {
			fatal(err)
		}
		return
	}

	if err := runTUI(cfg, store, ctrl); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig reads the config file, falling back to defaults when none
// exists yet.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openLogger writes structured logs to a file in the config directory so
// they never interleave with terminal output. Logging degrades to discard
// if the file cannot be opened.
func openLogger(verbose bool) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	dir, err := config.ConfigDir()
	if err == nil {
		err = config.EnsureConfigDir()
	}
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}

	log := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return log, func() { f.Close() }
}

// openStore creates the configured conversation store.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		path := cfg.Storage.DBPath
		if path == "" {
			var err error
			if path, err = storage.DefaultDBPath(); err != nil {
				return nil, err
			}
		}
		return storage.NewSQLiteStore(path)
	default:
		dir := cfg.Storage.Dir
		if dir == "" {
			var err error
			if dir, err = storage.DefaultDir(); err != nil {
				return nil, err
			}
		}
		return storage.NewFileStore(dir)
	}
}

// runTUI starts the full-screen interface.
func runTUI(cfg *config.Config, store storage.Store, ctrl *session.Controller) error {
	theme := styles.NewTheme()
	width := cfg.UI.WordWrap
	if width <= 0 {
		width = render.DefaultWidth
	}
	renderer := render.NewRenderer(width)

	m := chat.New(ctrl, store, cfg, theme, renderer)

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	// Stream progress reaches the UI through the program's message loop.
	ctrl.SetNotify(func(n session.Notice) {
		p.Send(chat.NoticeMsg{Notice: n})
	})

	// With the file backend, external edits to the conversation directory
	// refresh the sidebar.
	if fs, ok := store.(*storage.FileStore); ok && cfg.Storage.WatchFiles {
		w, err := storage.NewWatcher(fs, 250*time.Millisecond, func() {
			p.Send(chat.NoticeMsg{Notice: session.Notice{Kind: session.NoticeConversations}})
		})
		if err != nil {
			slog.Warn("conversation watcher unavailable", "error", err)
		} else {
			defer w.Close()
		}
	}

	_, err := p.Run()
	return err
}
