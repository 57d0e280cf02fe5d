// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the plain line-oriented chat mode used when the
// full TUI is unavailable or explicitly disabled with --plain. It drives
// the same session controller as the TUI through a liner-based REPL with
// input history.
package cli
