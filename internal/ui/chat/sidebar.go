// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/util"
)

// =============================================================================
// SIDEBAR
// =============================================================================

// sidebarView renders the conversation list grouped by recency. The list
// arrives already sorted newest-first, so group headings appear in order.
func (m *Model) sidebarView() string {
	height := m.height - statusHeight
	var b strings.Builder

	b.WriteString(m.theme.SidebarTitle.Render("Conversations"))
	b.WriteString("\n")

	now := time.Now()
	lastGroup := ""
	lines := 1
	for i, conv := range m.convs {
		if lines >= height-1 {
			break
		}
		group := groupLabel(conv.UpdatedAt, now)
		if group != lastGroup {
			b.WriteString(m.theme.SidebarDateGroup.Render(group))
			b.WriteString("\n")
			lastGroup = group
			lines++
		}
		b.WriteString(m.sidebarItem(conv, i == m.selected))
		b.WriteString("\n")
		lines++
	}
	if len(m.convs) == 0 {
		b.WriteString(m.theme.SidebarItem.Render("(none yet)"))
		b.WriteString("\n")
	}

	return m.theme.Sidebar.
		Width(sidebarWidth - 2).
		Height(height).
		Render(b.String())
}

func (m *Model) sidebarItem(conv model.Conversation, selected bool) string {
	marker := "  "
	if conv.Unread {
		marker = m.theme.SidebarUnread.Render("● ")
	}
	// Pad to a fixed width so the selection highlight spans the full row.
	title := util.PadRight(util.TruncateWidth(conv.Title, sidebarWidth-6), sidebarWidth-6)

	style := m.theme.SidebarItem
	if selected && m.focus == focusSidebar {
		style = m.theme.SidebarSelected
	}
	return marker + style.Render(title)
}

// groupLabel buckets a timestamp into a recency heading.
func groupLabel(ts, now time.Time) string {
	y, mo, d := now.Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())

	switch {
	case !ts.Before(today):
		return "Today"
	case !ts.Before(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case !ts.Before(today.AddDate(0, 0, -7)):
		return "This week"
	default:
		return "Earlier"
	}
}
