// SPDX-License-Identifier: MIT

package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Chapter is one entry of the generated outline.
type Chapter struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Outline is the structured output of phase B.
type Outline struct {
	TitleCN      string    `json:"title_cn"`
	Introduction string    `json:"introduction_paragraph"`
	Chapters     []Chapter `json:"chapters"`
}

// parseOutline decodes the model's structured response, tolerating code
// fences and surrounding prose, and normalizes chapter ids to a dense
// ascending sequence.
func parseOutline(raw string) (*Outline, error) {
	jsonText := extractJSONObject(raw)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object in outline response")
	}
	var o Outline
	if err := json.Unmarshal([]byte(jsonText), &o); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	if o.TitleCN == "" {
		return nil, fmt.Errorf("outline missing title_cn")
	}
	if len(o.Chapters) == 0 {
		return nil, fmt.Errorf("outline has no chapters")
	}
	sort.Slice(o.Chapters, func(i, j int) bool { return o.Chapters[i].ID < o.Chapters[j].ID })
	for i := range o.Chapters {
		o.Chapters[i].ID = i + 1
		if strings.TrimSpace(o.Chapters[i].Title) == "" {
			return nil, fmt.Errorf("chapter %d has an empty title", i+1)
		}
	}
	return &o, nil
}

// extractJSONObject returns the outermost {...} span of the text,
// stripping markdown fences first.
func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
