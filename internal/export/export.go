// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations out as shareable files.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/util"
)

// =============================================================================
// EXPORTER CONTRACT
// =============================================================================

// Exporter converts a conversation and its history into one output format.
type Exporter interface {
	Export(conv model.Conversation, history []model.Message) ([]byte, error)

	// FileExtension returns the extension without the dot.
	FileExtension() string
}

// ForFormat returns the exporter for a format name. Supported: "md",
// "markdown", "json".
func ForFormat(format string) (Exporter, error) {
	switch format {
	case "", "md", "markdown":
		return &MarkdownExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// =============================================================================
// FILE OUTPUT
// =============================================================================

// ToFile exports a conversation into dir, deriving the filename from the
// title and the export time. Returns the written path.
func ToFile(conv model.Conversation, history []model.Message, e Exporter, dir string) (string, error) {
	data, err := e.Export(conv, history)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s.%s",
		sanitizeFilename(conv.Title),
		time.Now().Format("20060102_150405"),
		e.FileExtension())
	path := filepath.Join(dir, name)

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	return path, nil
}

// DefaultDir is where exports land when the caller has no preference.
func DefaultDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// sanitizeFilename strips characters that are invalid in filenames on
// either Windows or Unix, and caps the length.
func sanitizeFilename(s string) string {
	const maxLen = 50
	if runes := []rune(s); len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	var result []rune
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "conversation"
	}
	return string(result)
}
