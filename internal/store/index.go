// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"sort"
	"unicode"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
)

// Invalidate marks the memoized listing stale. Triggers: "commit",
// "delete", "restore", "watcher", "admin".
func (s *Store) Invalidate(trigger string) {
	s.idxMu.Lock()
	s.idxDirty = true
	s.idxMu.Unlock()
	metrics.StoreIndexRefreshes.WithLabelValues(trigger).Inc()
}

// ListAll returns the summary listing and its cache version. The listing
// is rebuilt from the filesystem only when stale; the cache version
// increases with every rebuild so a client can short-circuit unchanged
// polls.
func (s *Store) ListAll() ([]Summary, int64, error) {
	s.idxMu.RLock()
	if !s.idxDirty {
		list, ver := s.idx, s.cacheVersion
		s.idxMu.RUnlock()
		return list, ver, nil
	}
	s.idxMu.RUnlock()

	fresh, err := s.scan()
	if err != nil {
		return nil, 0, err
	}

	s.idxMu.Lock()
	s.idx = fresh
	s.idxDirty = false
	s.cacheVersion++
	list, ver := s.idx, s.cacheVersion
	s.idxMu.Unlock()
	return list, ver, nil
}

// CacheVersion returns the current listing version without forcing a
// rebuild.
func (s *Store) CacheVersion() int64 {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.cacheVersion
}

// scan rebuilds the listing by walking the artifact root.
func (s *Store) scan() ([]Summary, error) {
	entries, err := os.ReadDir(s.artifactRoot)
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("store")
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		docHash := e.Name()
		max, err := s.maxVersion(docHash)
		if err != nil || max == 0 {
			continue
		}
		art, err := s.GetVersion(docHash, max)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldDocHash, docHash).Msg("unreadable artifact skipped in listing")
			continue
		}
		out = append(out, Summary{
			DocHash:       docHash,
			LatestVersion: max,
			TitleEN:       art.Header.TitleEN(),
			TitleCN:       art.Header.TitleCN(),
			UploadDate:    art.Header.UploadDate(),
			VideoURL:      art.Header.VideoURL(),
			ContentType:   art.Header.ContentType(),
			CourseCode:    art.Header.CourseCode(),
			Level:         art.Header.Level(),
			WordCount:     wordCount(art.Body),
			CreatedAt:     art.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// wordCount counts CJK runes individually and space-separated runs of
// other text as single words, which matches how readers of the two
// languages size a document.
func wordCount(body string) int {
	count := 0
	inWord := false
	for _, r := range body {
		switch {
		case unicode.Is(unicode.Han, r):
			count++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}
