// SPDX-License-Identifier: MIT

package mdmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `---
meta_version: 2
title_en: Deep Dive into Queues
title_cn: 队列深度解析
upload_date: 20240315
video_url: https://www.youtube.com/watch?v=dQw4w9WgXcQ
is_reinvent: true
course_code: ARC301
level: 300
content_type: YouTube视频
---

# Introduction

Body text.
`

func TestParseKnownKeys(t *testing.T) {
	h, body, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "Deep Dive into Queues", h.TitleEN())
	assert.Equal(t, "队列深度解析", h.TitleCN())
	assert.Equal(t, "20240315", h.UploadDate())
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", h.VideoURL())
	assert.True(t, h.IsReinvent())
	assert.Equal(t, "ARC301", h.CourseCode())
	assert.Equal(t, "300", h.Level())
	assert.Equal(t, ContentTypeYouTube, h.ContentType())
	assert.Equal(t, "# Introduction\n\nBody text.\n", string(body))
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	docs := []string{
		sampleDoc,
		// legacy single-title record
		"---\ntitle: 老标题\nupload_date: 19700101\nvideo_url: file-abc123\nis_reinvent: false\ncontent_type: 文档\n---\n\ncontent\n",
		// empty value encodes as bare key
		"---\ntitle_en: X\ntitle_cn:\nupload_date: 19700101\nvideo_url: v\nis_reinvent: false\ncontent_type: 文档\n---\n\nbody\n",
	}
	for _, doc := range docs {
		h, body, err := Parse([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, doc, string(Compose(h, body)))
	}
}

func TestLegacyTitleFallback(t *testing.T) {
	doc := "---\ntitle: 双语标题\nis_reinvent: false\ncontent_type: 文档\n---\n\nx\n"
	h, _, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "双语标题", h.TitleEN())
	assert.Equal(t, "双语标题", h.TitleCN())
}

func TestNewCanonicalOrder(t *testing.T) {
	h := New(Fields{
		TitleEN:     "T",
		TitleCN:     "中",
		VideoURL:    "https://example.com/v",
		ContentType: ContentTypeDocument,
	})
	want := "---\n" +
		"meta_version: 2\n" +
		"title_en: T\n" +
		"title_cn: 中\n" +
		"upload_date: 19700101\n" +
		"video_url: https://example.com/v\n" +
		"is_reinvent: false\n" +
		"content_type: 文档\n" +
		"---\n\n"
	assert.Equal(t, want, string(h.Encode()))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no fence", "title: x\n"},
		{"unclosed fence", "---\ntitle: x\n"},
		{"malformed line", "---\nnot a pair\n---\n\nx"},
		{"empty key", "---\n: value\n---\n\nx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, List("[a, b]"))
	assert.Equal(t, []string{"solo"}, List("solo"))
	assert.Nil(t, List("[]"))
	assert.Nil(t, List(""))
}
