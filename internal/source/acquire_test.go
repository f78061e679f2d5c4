// SPDX-License-Identifier: MIT

package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanTranscript(t *testing.T) {
	raw := "WEBVTT\nKind: captions\nLanguage: en\n\n1\n00:00:01.000 --> 00:00:04.000\nhello <c>world</c>\n\n2\n00:00:04.000 --> 00:00:07.000\nhello world\n\n3\n00:00:07.000 --> 00:00:09.000\nnext <00:00:08.000>line\n"
	got := CleanTranscript(raw)
	assert.Equal(t, "hello world\nnext line", got)
}

func TestCleanTranscriptEmpty(t *testing.T) {
	assert.Empty(t, CleanTranscript("WEBVTT\n\n00:00:01.000 --> 00:00:02.000\n"))
}

func TestNewCommandFetcher(t *testing.T) {
	f, err := NewCommandFetcher("yt-dlp --skip-download -o - {url}")
	require.NoError(t, err)
	assert.Equal(t, "yt-dlp", f.Bin)
	assert.Contains(t, f.Args, "{url}")

	_, err = NewCommandFetcher("   ")
	assert.Error(t, err)
}
