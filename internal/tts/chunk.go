// SPDX-License-Identifier: MIT

package tts

import "strings"

// SplitChunks partitions text into synthesis units of at most chunkRunes
// runes, preferring sentence boundaries. A sentence longer than the
// budget is split hard.
func SplitChunks(text string, chunkRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, r := range text {
		cur = append(cur, r)
		if len(cur) >= chunkRunes {
			// Back up to the last sentence end inside the budget.
			split := len(cur)
			for i := len(cur) - 1; i > chunkRunes/2; i-- {
				if isSentenceEnd(cur[i]) {
					split = i + 1
					break
				}
			}
			rest := append([]rune(nil), cur[split:]...)
			cur = cur[:split]
			flush()
			cur = append(cur, rest...)
		}
	}
	flush()
	return chunks
}
