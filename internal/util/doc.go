// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the starpal client:
// crash-safe file writes and Unicode-aware string formatting.
package util
