// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/POSE200/Starpal/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders a conversation as a pretty-printed JSON document.
type JSONExporter struct{}

// jsonDocument is the export file layout.
type jsonDocument struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ExportedAt time.Time       `json:"exported_at"`
	Messages   []model.Message `json:"messages"`
}

// Export implements Exporter.
func (e *JSONExporter) Export(conv model.Conversation, history []model.Message) ([]byte, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("conversation has no messages")
	}

	doc := jsonDocument{
		ID:         conv.ID,
		Title:      conv.Title,
		CreatedAt:  conv.CreatedAt,
		UpdatedAt:  conv.UpdatedAt,
		ExportedAt: time.Now(),
		Messages:   history,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// FileExtension implements Exporter.
func (e *JSONExporter) FileExtension() string { return "json" }
