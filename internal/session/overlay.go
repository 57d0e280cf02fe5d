// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "github.com/POSE200/Starpal/internal/model"

// =============================================================================
// RENDER OVERLAY
// =============================================================================

// Overlay is the in-progress reply text for one conversation, composed over
// the persisted history at read time. It never mutates the store: a reload
// always shows the last durably committed state plus, if the stream is
// still live, the freshest overlay.
type Overlay struct {
	// Text is the reply accumulated so far.
	Text string

	// TargetIndex is the history position whose content Text replaces.
	// It is the placeholder appended when the reply started.
	TargetIndex int
}

// compose returns history with the overlay text substituted at the target
// index. The input slice is not modified. An overlay whose target no
// longer exists (the history shrank underneath it) composes to the history
// unchanged rather than writing out of bounds.
func (o Overlay) compose(history []model.Message) []model.Message {
	if o.TargetIndex < 0 || o.TargetIndex >= len(history) {
		return history
	}
	out := make([]model.Message, len(history))
	copy(out, history)
	out[o.TargetIndex].Content = o.Text
	return out
}
