// SPDX-License-Identifier: MIT

package derived

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
)

const visualPromptTemplate = `Transform the following Markdown document into a single self-contained HTML page.

Requirements:
- All CSS inline in a <style> block; no external resources, no JavaScript required for reading.
- Preserve the document structure (headings, lists, quotes, tables) with a clean typographic layout suited to long-form Chinese text.
- Return only the HTML document, starting with <!DOCTYPE html>.

Document:

%s`

// VisualGenerator renders a Markdown artifact into a self-contained HTML
// sibling with one LM call.
type VisualGenerator struct {
	lm llm.Client
}

// NewVisualGenerator wires the LM capability.
func NewVisualGenerator(lm llm.Client) *VisualGenerator {
	return &VisualGenerator{lm: lm}
}

// Generate reads raw artifact bytes (header included), produces the HTML
// page and writes it atomically to destPath.
func (g *VisualGenerator) Generate(ctx context.Context, raw []byte, destPath string) error {
	_, body, err := mdmeta.Parse(raw)
	if err != nil {
		// Header-less input still renders as-is.
		body = raw
	}
	out, err := g.lm.Generate(ctx, llm.Request{
		Prompt:    fmt.Sprintf(visualPromptTemplate, body),
		MaxTokens: 32000,
	})
	if err != nil {
		return fmt.Errorf("visual generation: %w", err)
	}
	html := extractHTML(out)
	if html == "" {
		return fmt.Errorf("visual generation returned no html document")
	}
	return renameio.WriteFile(destPath, []byte(html), 0o640)
}

// extractHTML tolerates fenced or prefixed responses and returns the
// document from <!DOCTYPE or <html on.
func extractHTML(out string) string {
	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "```html")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	out = strings.TrimSpace(out)
	for _, marker := range []string{"<!DOCTYPE", "<!doctype", "<html"} {
		if i := strings.Index(out, marker); i >= 0 {
			return out[i:]
		}
	}
	return ""
}
