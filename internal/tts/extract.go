// SPDX-License-Identifier: MIT

// Package tts turns Markdown artifacts into chunked synthesized audio,
// cached on disk so partial progress survives restarts and reconnects.
package tts

import (
	"strings"
	"unicode/utf8"
)

// Tables with more rows than this read badly as audio and are dropped
// entirely instead of being voiced row by row.
const maxTableRows = 6

var sentenceEnders = []rune{'。', '！', '？', '.', '!', '?', '\n'}

// ExtractText reduces a Markdown body to readable plain text: code
// fences and images are removed, oversized tables dropped, heading and
// emphasis markers stripped. The result is truncated on a sentence
// boundary at or before maxRunes.
func ExtractText(markdown string, maxRunes int) string {
	lines := strings.Split(markdown, "\n")
	var out []string
	inFence := false
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			i++
			continue
		}
		if inFence {
			i++
			continue
		}
		if isTableRow(trimmed) {
			end := i
			for end < len(lines) && isTableRow(strings.TrimSpace(lines[end])) {
				end++
			}
			if end-i <= maxTableRows {
				for _, row := range lines[i:end] {
					out = append(out, tableRowText(row))
				}
			}
			i = end
			continue
		}
		out = append(out, cleanLine(trimmed))
		i++
	}

	text := strings.TrimSpace(strings.Join(out, "\n"))
	text = collapseBlankLines(text)
	return truncateAtSentence(text, maxRunes)
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

// tableRowText voices a small table row as comma-joined cells; separator
// rows (|---|---|) vanish.
func tableRowText(row string) string {
	cells := strings.Split(strings.Trim(strings.TrimSpace(row), "|"), "|")
	var kept []string
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" || strings.Trim(c, ":-") == "" {
			continue
		}
		kept = append(kept, cleanInline(c))
	}
	return strings.Join(kept, "，")
}

func cleanLine(line string) string {
	// Images carry no audio content.
	if strings.HasPrefix(line, "![") {
		return ""
	}
	line = strings.TrimLeft(line, "#")
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "> ")
	line = strings.TrimPrefix(line, "- ")
	line = strings.TrimPrefix(line, "* ")
	return cleanInline(line)
}

func cleanInline(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "`", "")
	// Inline links: keep the label, drop the target.
	for {
		open := strings.Index(s, "[")
		mid := strings.Index(s, "](")
		if open < 0 || mid < open {
			break
		}
		end := strings.Index(s[mid:], ")")
		if end < 0 {
			break
		}
		s = s[:open] + s[open+1:mid] + s[mid+end+1:]
	}
	return s
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// truncateAtSentence cuts text at the last sentence boundary at or
// before maxRunes. Without any boundary it falls back to a hard cut.
func truncateAtSentence(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	cut := maxRunes
	for i := maxRunes - 1; i >= 0; i-- {
		if isSentenceEnd(runes[i]) {
			cut = i + 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}

func isSentenceEnd(r rune) bool {
	for _, e := range sentenceEnders {
		if r == e {
			return true
		}
	}
	return false
}
