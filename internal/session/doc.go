// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the streaming reply state machine.
//
// A Controller manages at most one live reply stream per conversation,
// bridges decoded stream events into conversation store commits, and keeps
// a per-conversation render overlay so the UI can show partial reply text
// without the store ever seeing uncommitted content.
//
// All controller state is guarded by a single mutex; stream goroutines and
// UI calls serialize through it, so deltas, cancellation, and commits
// observe a consistent view of the live sessions.
//
// # Key Types
//
//   - Controller: the state machine; StartReply, Cancel, Regenerate, ...
//   - Overlay: read-time composition of persisted history with live text
//   - Notice: redraw and completion signals emitted to the subscribed UI
package session
