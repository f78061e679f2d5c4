// SPDX-License-Identifier: MIT

package workflow

import (
	"fmt"
	"strings"

	"github.com/deepdoc-ai/deepdoc/internal/source"
)

const systemPrompt = `You are an expert long-form analyst. You produce deep, structured interpretations of source material in Chinese, with precise terminology kept in English where appropriate.`

const outlinePromptTemplate = `Read the source material and design a deep-interpretation document for it.

Return a JSON object with exactly these fields:
- "title_cn": a compelling Chinese title for the document
- "introduction_paragraph": one paragraph (Chinese) framing why the material matters
- "chapters": an array of 4-8 objects, each {"id": <1-based int>, "title": <Chinese chapter title>, "summary": <2-3 sentence Chinese summary of what the chapter must cover>}

Chapters must cover the material completely, in a logical reading order, without overlap.

%s`

const chapterPromptTemplate = `You are writing chapter %d of a deep-interpretation document titled "%s".

Chapter title: %s
Chapter brief: %s

Write the full chapter in Chinese Markdown. Start with an H2 heading ("## %s"). Ground every claim in the source material; quote short key passages where they carry weight. Do not summarize the other chapters.

%s`

const conclusionPromptTemplate = `You are completing a deep-interpretation document titled "%s".

Below are the finished chapters. Write the closing section in Chinese Markdown with three parts:
1. an H2 "## 核心洞察" section distilling the insights that cut across chapters,
2. an H2 "## 金句摘录" section with the most memorable quotes from the material,
3. a single short enriched introduction paragraph (no heading) that could replace the current opening, returned last after a line containing only "<!--intro-->".

Chapters:

%s`

// sourceClause renders the source-injection portion of a prompt: inline
// text for text sources, an instruction to read the attached document for
// multimodal ones.
func sourceClause(content source.Content) string {
	if content.Kind == source.KindMultimodal {
		return "The source material is the attached document."
	}
	return fmt.Sprintf("Source material:\n\n%s", content.Text)
}

func outlinePrompt(content source.Content) string {
	return fmt.Sprintf(outlinePromptTemplate, sourceClause(content))
}

func chapterPrompt(content source.Content, titleCN string, ch Chapter) string {
	return fmt.Sprintf(chapterPromptTemplate, ch.ID, titleCN, ch.Title, ch.Summary, ch.Title, sourceClause(content))
}

func conclusionPrompt(titleCN string, chapterBodies []string) string {
	return fmt.Sprintf(conclusionPromptTemplate, titleCN, strings.Join(chapterBodies, "\n\n"))
}

// splitConclusion separates the closing section from the enriched
// introduction that follows the marker line. When the marker is missing
// the whole text is the conclusion and the introduction is left as-is.
func splitConclusion(raw string) (conclusion, enrichedIntro string) {
	const marker = "<!--intro-->"
	if i := strings.LastIndex(raw, marker); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+len(marker):])
	}
	return strings.TrimSpace(raw), ""
}
