// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file implements streaming redraw batching. Delta notices can arrive
// far faster than a terminal can usefully repaint; the RedrawGate coalesces
// them so the view re-renders at a capped frame rate instead of once per
// network fragment.
package chat

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// REDRAW GATE
// =============================================================================

// RedrawGate coalesces streaming redraw requests. Delta notices mark the
// gate dirty from the controller's stream goroutine; the Bubble Tea loop
// polls it on a timer and repaints when either enough marks accumulated or
// enough time passed since the last repaint.
//
// Thread-safety: all operations are mutex-protected since marking happens
// off the main loop.
type RedrawGate struct {
	mu        sync.Mutex
	dirty     bool
	markCount int
	lastFlush time.Time

	batchSize    int           // marks per forced repaint
	minFlushTime time.Duration // min time between repaints
}

// Frame pacing defaults: 30fps keeps streaming smooth without burning CPU
// re-rendering markdown for every token.
const (
	defaultBatchSize = 15
	defaultFrameTime = 33 * time.Millisecond
)

// NewRedrawGate creates a gate with default pacing.
func NewRedrawGate() *RedrawGate {
	return &RedrawGate{
		batchSize:    defaultBatchSize,
		minFlushTime: defaultFrameTime,
		lastFlush:    time.Now(),
	}
}

// Mark records that the streaming conversation changed. Called once per
// delta notice.
func (g *RedrawGate) Mark() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty = true
	g.markCount++
}

// TakeRepaint reports whether the view should repaint now, and resets the
// gate if so. Called from the tick handler on the main loop.
func (g *RedrawGate) TakeRepaint() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.dirty {
		return false
	}
	if g.markCount < g.batchSize && time.Since(g.lastFlush) < g.minFlushTime {
		return false
	}
	g.dirty = false
	g.markCount = 0
	g.lastFlush = time.Now()
	return true
}

// ForceRepaint reports whether anything is pending and resets the gate
// unconditionally. Used when a stream finishes, so the final text is never
// held back by pacing.
func (g *RedrawGate) ForceRepaint() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := g.dirty
	g.dirty = false
	g.markCount = 0
	g.lastFlush = time.Now()
	return pending
}

// Reset clears pending marks without repainting. Used when the displayed
// conversation changes and pending marks belong to the old view.
func (g *RedrawGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty = false
	g.markCount = 0
	g.lastFlush = time.Now()
}

// =============================================================================
// STREAMING TICK COMMAND
// =============================================================================

// StreamTickMsg drives the repaint poll while a stream is live.
type StreamTickMsg struct{ Time time.Time }

// streamTickCmd schedules the next repaint poll at the frame rate.
func streamTickCmd() tea.Cmd {
	return tea.Tick(defaultFrameTime, func(t time.Time) tea.Msg {
		return StreamTickMsg{Time: t}
	})
}
