// SPDX-License-Identifier: MIT

package derived

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
)

func TestProcessedSetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.json")

	s, err := LoadProcessedSet(path)
	require.NoError(t, err)
	assert.False(t, s.Contains("abc/v1.md"))

	require.NoError(t, s.Add("abc/v1.md"))
	require.NoError(t, s.Add("def/v2.md"))
	assert.True(t, s.Contains("abc/v1.md"))

	// A fresh load sees the persisted entries.
	s2, err := LoadProcessedSet(path)
	require.NoError(t, err)
	assert.True(t, s2.Contains("abc/v1.md"))
	assert.True(t, s2.Contains("def/v2.md"))

	require.NoError(t, s2.Remove("abc/v1.md"))
	s3, err := LoadProcessedSet(path)
	require.NoError(t, err)
	assert.False(t, s3.Contains("abc/v1.md"))
}

func TestLoadProcessedSetCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	s, err := LoadProcessedSet(path)
	require.NoError(t, err)
	assert.False(t, s.Contains("anything"))
}

func TestExtractHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", "<!DOCTYPE html><html></html>", "<!DOCTYPE html><html></html>"},
		{"fenced", "```html\n<!DOCTYPE html><html></html>\n```", "<!DOCTYPE html><html></html>"},
		{"prefixed", "Here is the page:\n\n<html><body></body></html>", "<html><body></body></html>"},
		{"no document", "sorry, cannot help", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractHTML(tt.in))
		})
	}
}

type fixedLM struct {
	out    string
	prompt *string
}

func (f fixedLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	if f.prompt != nil {
		*f.prompt = req.Prompt
	}
	return f.out, nil
}

func TestVisualGeneratorWritesSibling(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "v1.html")
	var prompt string
	g := NewVisualGenerator(fixedLM{
		out:    "```html\n<!DOCTYPE html><html><body>页面</body></html>\n```",
		prompt: &prompt,
	})

	raw := []byte("---\nmeta_version: 2\ntitle_en: T\ntitle_cn: 标题\nupload_date: 19700101\nvideo_url: x\nis_reinvent: false\ncontent_type: 文档\n---\n\n# 标题\n\n正文。\n")
	require.NoError(t, g.Generate(context.Background(), raw, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<!DOCTYPE html")
	assert.Contains(t, string(data), "页面")

	// The metadata header is stripped before prompting; only the body goes in.
	assert.Contains(t, prompt, "正文。")
	assert.NotContains(t, prompt, "meta_version")
}

func TestVisualGeneratorRejectsNonHTML(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "v1.html")
	g := NewVisualGenerator(fixedLM{out: "plain text, no markup"})
	err := g.Generate(context.Background(), []byte("# 标题\n"), dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
