// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render converts reply text to terminal display form.
//
// Rendering is a pure function of the input text and must tolerate
// incomplete markup: it runs on partial streamed replies, so unterminated
// code fences and half-written emphasis are the normal case, not an error.
// Any rendering failure falls back to the raw text.
package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 80

// Renderer renders markdown for terminal display at a fixed wrap width.
type Renderer struct {
	mu    sync.Mutex
	width int
	tr    *glamour.TermRenderer
	plain bool
}

// NewRenderer creates a markdown renderer wrapping at width columns.
// If the glamour renderer cannot be constructed the Renderer silently
// degrades to plain text.
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	r := &Renderer{width: width}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.tr = tr
	}
	return r
}

// NewPlainRenderer creates a renderer that never emits styling. Used when
// stdout is not a terminal.
func NewPlainRenderer(width int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Renderer{width: width, plain: true}
}

// Render converts markdown text to display form. Never fails: on any
// renderer error the input text is returned unchanged.
func (r *Renderer) Render(text string) string {
	if r.plain {
		return text
	}
	// Styled output was wanted but glamour is unavailable: fall back to
	// highlighting just the fenced code blocks.
	if r.tr == nil {
		return HighlightFences(text)
	}

	// Glamour renderers are not safe for concurrent use; deltas for the
	// active conversation and sidebar previews may render concurrently.
	r.mu.Lock()
	out, err := r.tr.Render(closeDanglingFence(text))
	r.mu.Unlock()
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// Resize rebuilds the renderer for a new terminal width.
func (r *Renderer) Resize(width int) {
	if width <= 0 || width == r.width {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.width = width
	if r.plain {
		return
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.tr = tr
	}
}

// Width returns the current wrap width.
func (r *Renderer) Width() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width
}

// closeDanglingFence appends a closing fence when the text ends inside an
// unterminated code block. Mid-stream replies routinely cut off inside a
// fence, and an open fence makes glamour swallow everything after it.
func closeDanglingFence(text string) string {
	open := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
		}
	}
	if open {
		return text + "\n```"
	}
	return text
}
