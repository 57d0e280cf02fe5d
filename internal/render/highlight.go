// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
)

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// Highlight applies terminal syntax highlighting to a code snippet.
// Returns the code unchanged when highlighting fails or the language is
// unknown and undetectable.
func Highlight(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// HighlightFences highlights each fenced code block in text in place,
// leaving the surrounding prose untouched. Used by the plain renderer
// path, where glamour is not involved. An unclosed trailing fence is
// highlighted too.
func HighlightFences(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var code []string
	var language string
	inFence := false

	flush := func() {
		out = append(out, Highlight(strings.Join(code, "\n"), language))
		code = nil
		language = ""
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "```"):
			if inFence {
				flush()
				inFence = false
			} else {
				language = strings.TrimSpace(strings.TrimPrefix(line, "```"))
				inFence = true
			}
		case inFence:
			code = append(code, line)
		default:
			out = append(out, line)
		}
	}
	if inFence && len(code) > 0 {
		flush()
	}
	return strings.Join(out, "\n")
}
