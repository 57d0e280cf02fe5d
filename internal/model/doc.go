// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Conversation is the titled metadata record; its message history is an
// ordered, append-only sequence of Message values kept separately by the
// store. The only sanctioned mutations of a history are in-place growth of
// the last message while a reply is streaming into it, and truncation of a
// trailing segment when the user edits or regenerates.
package model
