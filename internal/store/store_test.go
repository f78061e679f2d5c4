// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
	"github.com/deepdoc-ai/deepdoc/internal/tts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := Open(Options{
		ArtifactRoot: filepath.Join(root, "artifacts"),
		TrashRoot:    filepath.Join(root, "trash"),
		TTSCacheRoot: filepath.Join(root, "tts"),
	})
	require.NoError(t, err)
	return s
}

func testFields(titleCN string) mdmeta.Fields {
	return mdmeta.Fields{
		TitleEN:     "Title",
		TitleCN:     titleCN,
		VideoURL:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		ContentType: mdmeta.ContentTypeYouTube,
	}
}

func TestCommitAssignsSequentialVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	canonical := Canonical{VideoID: "dQw4w9WgXcQ"}

	h1, v1, err := s.Commit(ctx, canonical, testFields("一"), "body one\n")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	h2, v2, err := s.Commit(ctx, canonical, testFields("二"), "body two\n")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "same canonical source must produce the same doc hash")
	assert.Equal(t, 2, v2)

	latest, err := s.GetLatest(h1)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "二", latest.Header.TitleCN())

	first, err := s.GetVersion(h1, 1)
	require.NoError(t, err)
	assert.Equal(t, "body one\n", first.Body)

	// A pinned hash lands the commit under the existing identity.
	h3, v3, err := s.Commit(ctx, Canonical{Hash: h1}, testFields("三"), "body three\n")
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
	assert.Equal(t, 3, v3)
}

func TestCommitHashDeterminism(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, _, err := s.Commit(ctx, Canonical{FileBytes: []byte("pdf"), Title: "Paper"}, testFields("x"), "a\n")
	require.NoError(t, err)
	s2 := newTestStore(t)
	h2, _, err := s2.Commit(ctx, Canonical{FileBytes: []byte("pdf"), Title: "Paper"}, testFields("x"), "b\n")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash depends on the canonical source, not the body")
}

func TestConcurrentCommitsSameHashHaveNoGaps(t *testing.T) {
	s := newTestStore(t)
	canonical := Canonical{VideoID: "dQw4w9WgXcQ"}

	const n = 8
	var wg sync.WaitGroup
	versions := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, v, err := s.Commit(context.Background(), canonical, testFields("并"), fmt.Sprintf("body %d\n", i))
			if err == nil {
				versions <- v
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "duplicate version %d", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
	for v := 1; v <= n; v++ {
		assert.True(t, seen[v], "gap at version %d", v)
	}
}

func TestGetLatestUnknownHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatest("000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAllAndCacheVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	list, ver0, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = s.Commit(ctx, Canonical{VideoID: "dQw4w9WgXcQ"}, testFields("甲"), "one two three 四五六\n")
	require.NoError(t, err)

	list, ver1, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Greater(t, ver1, ver0)
	assert.Equal(t, "甲", list[0].TitleCN)
	assert.Equal(t, 6, list[0].WordCount) // 3 latin words + 3 CJK runes

	// Unchanged store serves the memoized list with the same version.
	again, ver2, err := s.ListAll()
	require.NoError(t, err)
	assert.Equal(t, ver1, ver2)
	if diff := cmp.Diff(list, again); diff != "" {
		t.Fatalf("memoized list changed (-want +got):\n%s", diff)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docHash, _, err := s.Commit(ctx, Canonical{VideoID: "dQw4w9WgXcQ"}, testFields("删"), "body\n")
	require.NoError(t, err)

	// A sibling and a TTS cache ride along with the document. The cache
	// directory name is a content key, not a doc-hash prefix.
	require.NoError(t, os.WriteFile(s.SiblingPath(docHash, 1, "html"), []byte("<html/>"), 0o600))
	ttsCache, err := tts.OpenCache(s.ttsCacheRoot)
	require.NoError(t, err)
	key := tts.CacheKey(docHash, "voice1", "cmn-CN", "body\n")
	require.NoError(t, ttsCache.WriteChunk(key, 0, []byte("audio")))
	require.NoError(t, ttsCache.WriteMeta(key, &tts.Meta{
		DocHash: docHash, Voice: "voice1", Language: "cmn-CN",
		TotalChunks: 1, ChunksGenerated: 1, Complete: true,
	}))
	cacheDir := filepath.Join(s.ttsCacheRoot, key)
	// A cache belonging to another document must not be touched.
	otherKey := tts.CacheKey("feedfacecafe", "voice1", "cmn-CN", "other\n")
	require.NoError(t, ttsCache.WriteMeta(otherKey, &tts.Meta{DocHash: "feedfacecafe"}))

	entry, err := s.Delete(docHash)
	require.NoError(t, err)

	_, err = s.GetLatest(docHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, s.SiblingPath(docHash, 1, "html"))
	assert.NoDirExists(t, cacheDir)
	assert.DirExists(t, filepath.Join(s.ttsCacheRoot, otherKey))

	trash, err := s.ListTrash()
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, docHash, trash[0].DocHash)

	require.NoError(t, s.Restore(entry.Name))
	art, err := s.GetLatest(docHash)
	require.NoError(t, err)
	assert.Equal(t, "body\n", art.Body)
	assert.FileExists(t, s.SiblingPath(docHash, 1, "html"))
	assert.DirExists(t, cacheDir)
	assert.FileExists(t, ttsCache.ChunkPath(key, 0))

	trash, err = s.ListTrash()
	require.NoError(t, err)
	assert.Empty(t, trash)
}

func TestPurgeIsPermanent(t *testing.T) {
	s := newTestStore(t)
	docHash, _, err := s.Commit(context.Background(), Canonical{VideoID: "dQw4w9WgXcQ"}, testFields("purge"), "x\n")
	require.NoError(t, err)

	entry, err := s.Delete(docHash)
	require.NoError(t, err)
	require.NoError(t, s.Purge(entry.Name))

	assert.Error(t, s.Restore(entry.Name))
	assert.Error(t, s.Purge("../escape"))
}

func TestJournalLookup(t *testing.T) {
	root := t.TempDir()
	j, err := OpenJournal(filepath.Join(root, "journal"))
	require.NoError(t, err)
	defer func() { require.NoError(t, j.Close()) }()

	s, err := Open(Options{
		ArtifactRoot: filepath.Join(root, "artifacts"),
		TrashRoot:    filepath.Join(root, "trash"),
		TTSCacheRoot: filepath.Join(root, "tts"),
		Journal:      j,
	})
	require.NoError(t, err)

	docHash, _, err := s.Commit(context.Background(), Canonical{VideoID: "dQw4w9WgXcQ"}, testFields("查"), "x\n")
	require.NoError(t, err)

	got, title, ok := s.LookupByExternalKey("dQw4w9WgXcQ")
	require.True(t, ok)
	assert.Equal(t, docHash, got)
	assert.Equal(t, "查", title)

	// The filesystem is the source of truth: a trashed document is a miss
	// and the stale journal entry is purged.
	_, err = s.Delete(docHash)
	require.NoError(t, err)
	_, _, ok = s.LookupByExternalKey("dQw4w9WgXcQ")
	assert.False(t, ok)
}

func TestCommitVisibleBeforeIndexRefresh(t *testing.T) {
	s := newTestStore(t)
	docHash, _, err := s.Commit(context.Background(), Canonical{VideoID: "dQw4w9WgXcQ"}, testFields("见"), "x\n")
	require.NoError(t, err)

	// GetLatest reads through to the filesystem regardless of index state.
	art, err := s.GetLatest(docHash)
	require.NoError(t, err)
	assert.Equal(t, 1, art.Version)
}
