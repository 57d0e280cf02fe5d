// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the interactive terminal chat view.
//
// The view is a Bubble Tea model layered over the session controller: it
// never holds reply content itself. Streaming text lives in the
// controller's read-time overlay and is fetched via Controller.History on
// each repaint. A RedrawGate coalesces per-token redraw notices into
// frame-rate repaints so fast streams do not overwhelm the terminal.
//
// Controller notifications must be forwarded into the program loop by the
// caller:
//
//	ctrl.SetNotify(func(n session.Notice) {
//		program.Send(chat.NoticeMsg{Notice: n})
//	})
package chat
