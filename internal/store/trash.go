// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deepdoc-ai/deepdoc/internal/log"
)

// TrashEntry describes one soft-deleted document.
type TrashEntry struct {
	Name      string    `json:"name"` // "<doc_hash>-<unix>"
	DocHash   string    `json:"doc_hash"`
	DeletedAt time.Time `json:"deleted_at"`
}

// PartialError reports a trash move where some files failed. Trash is
// forward-only: nothing that moved is rolled back.
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("partial trash move (%d failures): %s", len(e.Errs), strings.Join(parts, "; "))
}

// Delete soft-deletes every version of the document plus its siblings and
// TTS chunk cache, moving them under a timestamped trash entry.
func (s *Store) Delete(docHash string) (*TrashEntry, error) {
	mu := s.perHash(docHash)
	mu.Lock()
	defer mu.Unlock()

	src := s.hashDir(docHash)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, docHash)
		}
		return nil, err
	}

	entry := TrashEntry{
		Name:      fmt.Sprintf("%s-%d", docHash, time.Now().Unix()),
		DocHash:   docHash,
		DeletedAt: time.Now(),
	}
	dest := filepath.Join(s.trashRoot, entry.Name)
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return nil, fmt.Errorf("create trash entry: %w", err)
	}

	var errs []error
	// Artifact directory (all versions + html/pdf siblings) moves as one
	// rename, which keeps versions and siblings atomic with each other.
	if err := os.Rename(src, filepath.Join(dest, "artifacts")); err != nil {
		errs = append(errs, fmt.Errorf("move artifacts: %w", err))
	}

	// TTS chunk caches are content-keyed; ownership comes from the
	// doc_hash recorded in each cache's meta.json.
	if caches, err := s.ttsCacheDirs(docHash); err != nil {
		errs = append(errs, err)
	} else if len(caches) > 0 {
		ttsDest := filepath.Join(dest, "tts")
		if err := os.MkdirAll(ttsDest, 0o750); err != nil {
			errs = append(errs, err)
		} else {
			for _, c := range caches {
				if err := os.Rename(c, filepath.Join(ttsDest, filepath.Base(c))); err != nil {
					errs = append(errs, fmt.Errorf("move tts cache %s: %w", filepath.Base(c), err))
				}
			}
		}
	}

	s.Invalidate("delete")
	if s.journal != nil {
		s.journal.DeleteByDocHash(docHash)
	}
	logger := log.WithComponent("store")
	logger.Info().
		Str(log.FieldDocHash, docHash).
		Str("trash_entry", entry.Name).
		Int("failures", len(errs)).
		Msg("artifact trashed")

	if len(errs) > 0 {
		return &entry, &PartialError{Errs: errs}
	}
	return &entry, nil
}

// ttsCacheDirs lists cache directories belonging to the document. Cache
// directory names are opaque content keys, so each candidate's meta.json
// is consulted for the owning doc hash.
func (s *Store) ttsCacheDirs(docHash string) ([]string, error) {
	entries, err := os.ReadDir(s.ttsCacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.ttsCacheRoot, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta struct {
			DocHash string `json:"doc_hash"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil || meta.DocHash != docHash {
			continue
		}
		out = append(out, filepath.Join(s.ttsCacheRoot, e.Name()))
	}
	return out, nil
}

// ListTrash enumerates trash entries, newest first.
func (s *Store) ListTrash() ([]TrashEntry, error) {
	entries, err := os.ReadDir(s.trashRoot)
	if err != nil {
		return nil, err
	}
	out := make([]TrashEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		i := strings.LastIndex(name, "-")
		if i <= 0 {
			continue
		}
		var ts int64
		if _, err := fmt.Sscanf(name[i+1:], "%d", &ts); err != nil {
			continue
		}
		out = append(out, TrashEntry{
			Name:      name,
			DocHash:   name[:i],
			DeletedAt: time.Unix(ts, 0),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(out[j].DeletedAt) })
	return out, nil
}

// Restore moves a trash entry back into the artifact tree, siblings and
// TTS caches included.
func (s *Store) Restore(trashName string) error {
	i := strings.LastIndex(trashName, "-")
	if i <= 0 {
		return fmt.Errorf("malformed trash entry name %q", trashName)
	}
	docHash := trashName[:i]
	entryDir := filepath.Join(s.trashRoot, trashName)
	if _, err := os.Stat(entryDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: trash entry %s", ErrNotFound, trashName)
		}
		return err
	}

	mu := s.perHash(docHash)
	mu.Lock()
	defer mu.Unlock()

	dest := s.hashDir(docHash)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("document %s already exists, refusing to restore over it", docHash)
	}
	if err := os.Rename(filepath.Join(entryDir, "artifacts"), dest); err != nil {
		return fmt.Errorf("restore artifacts: %w", err)
	}

	ttsDir := filepath.Join(entryDir, "tts")
	if caches, err := os.ReadDir(ttsDir); err == nil {
		for _, c := range caches {
			src := filepath.Join(ttsDir, c.Name())
			if err := os.Rename(src, filepath.Join(s.ttsCacheRoot, c.Name())); err != nil {
				logger := log.WithComponent("store")
				logger.Warn().Err(err).Msg("tts cache restore failed")
			}
		}
	}

	if err := os.RemoveAll(entryDir); err != nil {
		logger := log.WithComponent("store")
		logger.Warn().Err(err).Str("trash_entry", trashName).Msg("empty trash entry cleanup failed")
	}
	s.Invalidate("restore")
	return nil
}

// Purge permanently deletes a trash entry.
func (s *Store) Purge(trashName string) error {
	if strings.Contains(trashName, string(os.PathSeparator)) || strings.Contains(trashName, "..") {
		return errors.New("invalid trash entry name")
	}
	entryDir := filepath.Join(s.trashRoot, trashName)
	if _, err := os.Stat(entryDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: trash entry %s", ErrNotFound, trashName)
		}
		return err
	}
	return os.RemoveAll(entryDir)
}
