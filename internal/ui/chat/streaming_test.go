// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"testing"
	"time"
)

func TestRedrawGateIdleStaysQuiet(t *testing.T) {
	g := NewRedrawGate()
	if g.TakeRepaint() {
		t.Error("fresh gate wants a repaint")
	}
	if g.ForceRepaint() {
		t.Error("fresh gate had pending work")
	}
}

func TestRedrawGateBatchThreshold(t *testing.T) {
	g := NewRedrawGate()

	// A single mark right after a flush is held back by pacing.
	g.Mark()
	if g.TakeRepaint() {
		t.Error("single fresh mark repainted immediately")
	}

	// Enough marks force a repaint regardless of time.
	for i := 0; i < defaultBatchSize; i++ {
		g.Mark()
	}
	if !g.TakeRepaint() {
		t.Error("batch threshold did not trigger repaint")
	}
	// The flush consumed the accumulated marks.
	if g.TakeRepaint() {
		t.Error("gate repainted twice for one batch")
	}
}

func TestRedrawGateTimeThreshold(t *testing.T) {
	g := NewRedrawGate()
	g.Mark()

	// Simulate the frame interval elapsing.
	g.mu.Lock()
	g.lastFlush = time.Now().Add(-2 * defaultFrameTime)
	g.mu.Unlock()

	if !g.TakeRepaint() {
		t.Error("elapsed frame time did not trigger repaint")
	}
}

func TestRedrawGateForceRepaint(t *testing.T) {
	g := NewRedrawGate()
	g.Mark()
	if !g.ForceRepaint() {
		t.Error("ForceRepaint ignored a pending mark")
	}
	if g.ForceRepaint() {
		t.Error("ForceRepaint reported stale work")
	}
}

func TestRedrawGateReset(t *testing.T) {
	g := NewRedrawGate()
	for i := 0; i < defaultBatchSize*2; i++ {
		g.Mark()
	}
	g.Reset()
	if g.TakeRepaint() {
		t.Error("Reset left pending marks behind")
	}
}
