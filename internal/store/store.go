// SPDX-License-Identifier: MIT

// Package store is the content-addressed, versioned artifact store. Each
// logical document owns a directory named by its doc hash; versions are
// numbered files inside it, written atomically. The filesystem is the
// source of truth; everything in memory is memoization.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
	"github.com/deepdoc-ai/deepdoc/internal/source"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
)

// ErrNotFound is returned when neither the index nor the filesystem knows
// the requested artifact.
var ErrNotFound = errors.New("artifact not found")

var versionFilePattern = regexp.MustCompile(`^v(\d+)\.md$`)

// Canonical identifies the logical document a commit belongs to. Exactly
// one of the variants is set.
type Canonical struct {
	// VideoID is the 11-character id for subtitle/video sources.
	VideoID string
	// FileBytes + Title fingerprint file-backed sources.
	FileBytes []byte
	Title     string
	// Hash pins an already-assigned identity when re-interpreting a
	// stored document; the commit lands as the next version under it.
	Hash string
}

// DocHash derives the stable 12-hex-char identity of the document.
func (c Canonical) DocHash() (string, error) {
	switch {
	case c.Hash != "":
		return c.Hash, nil
	case c.VideoID != "":
		return source.HashForVideo(c.VideoID), nil
	case len(c.FileBytes) > 0:
		return source.HashForFile(c.FileBytes, c.Title), nil
	}
	return "", errors.New("empty canonical source")
}

// Artifact is one stored document version.
type Artifact struct {
	DocHash   string
	Version   int
	Header    mdmeta.Header
	Body      string
	CreatedAt time.Time
}

// Summary is the body-less listing form of the latest version of a
// document.
type Summary struct {
	DocHash       string    `json:"doc_hash"`
	LatestVersion int       `json:"latest_version"`
	TitleEN       string    `json:"title_en"`
	TitleCN       string    `json:"title_cn"`
	UploadDate    string    `json:"upload_date"`
	VideoURL      string    `json:"video_url"`
	ContentType   string    `json:"content_type"`
	CourseCode    string    `json:"course_code,omitempty"`
	Level         string    `json:"level,omitempty"`
	WordCount     int       `json:"word_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store manages the artifact tree rooted at ArtifactRoot.
type Store struct {
	artifactRoot string
	trashRoot    string
	ttsCacheRoot string

	journal *Journal // optional external-key lookup journal

	// idx memoizes the listing; guarded by idxMu, replaced atomically.
	idxMu        sync.RWMutex
	idx          []Summary
	idxDirty     bool
	cacheVersion int64

	// hashMu serializes version allocation per doc hash.
	hashMuMu sync.Mutex
	hashMu   map[string]*sync.Mutex
}

// Options configures a Store.
type Options struct {
	ArtifactRoot string
	TrashRoot    string
	TTSCacheRoot string
	Journal      *Journal
}

// Open creates the root directories and returns a Store.
func Open(opts Options) (*Store, error) {
	for _, dir := range []string{opts.ArtifactRoot, opts.TrashRoot, opts.TTSCacheRoot} {
		if dir == "" {
			return nil, errors.New("store root directories must be configured")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s := &Store{
		artifactRoot: opts.ArtifactRoot,
		trashRoot:    opts.TrashRoot,
		ttsCacheRoot: opts.TTSCacheRoot,
		journal:      opts.Journal,
		idxDirty:     true,
		hashMu:       make(map[string]*sync.Mutex),
	}
	return s, nil
}

// Root returns the artifact root directory (watched by the derived
// pipeline).
func (s *Store) Root() string { return s.artifactRoot }

func (s *Store) hashDir(docHash string) string {
	return filepath.Join(s.artifactRoot, docHash)
}

func (s *Store) versionPath(docHash string, version int) string {
	return filepath.Join(s.hashDir(docHash), fmt.Sprintf("v%d.md", version))
}

// SiblingPath returns the on-disk location of a derived sibling for the
// given version ("html", "pdf").
func (s *Store) SiblingPath(docHash string, version int, ext string) string {
	return filepath.Join(s.hashDir(docHash), fmt.Sprintf("v%d.%s", version, ext))
}

// WriteSibling persists a derived sibling atomically next to its parent
// version.
func (s *Store) WriteSibling(docHash string, version int, ext string, data []byte) error {
	if _, err := os.Stat(s.versionPath(docHash, version)); err != nil {
		return fmt.Errorf("sibling parent v%d of %s: %w", version, docHash, ErrNotFound)
	}
	return renameio.WriteFile(s.SiblingPath(docHash, version, ext), data, 0o640)
}

func (s *Store) perHash(docHash string) *sync.Mutex {
	s.hashMuMu.Lock()
	defer s.hashMuMu.Unlock()
	mu, ok := s.hashMu[docHash]
	if !ok {
		mu = &sync.Mutex{}
		s.hashMu[docHash] = mu
	}
	return mu
}

// maxVersion scans the hash directory for the highest committed version.
// Returns 0 when the document has no versions.
func (s *Store) maxVersion(docHash string) (int, error) {
	entries, err := os.ReadDir(s.hashDir(docHash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		m := versionFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > max {
			max = v
		}
	}
	return max, nil
}

// Commit writes a new version of the document identified by canonical and
// returns its identity. The version-allocation + rename sequence is
// serialized per hash; different hashes commit concurrently.
func (s *Store) Commit(ctx context.Context, canonical Canonical, hdr mdmeta.Fields, body string) (string, int, error) {
	docHash, err := canonical.DocHash()
	if err != nil {
		return "", 0, err
	}
	mu := s.perHash(docHash)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(s.hashDir(docHash), 0o750); err != nil {
		return "", 0, fmt.Errorf("create hash dir: %w", err)
	}
	max, err := s.maxVersion(docHash)
	if err != nil {
		return "", 0, fmt.Errorf("scan versions: %w", err)
	}
	version := max + 1
	doc := mdmeta.Compose(mdmeta.New(hdr), []byte(body))

	path := s.versionPath(docHash, version)
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			logger := log.WithComponent("store")
			logger.Debug().Err(cerr).Msg("cleanup pending artifact")
		}
	}()
	if _, err := pending.Write(doc); err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("replace artifact: %w", err)
	}

	// The artifact is durable from here on; index refresh and journal
	// update are best-effort memoization.
	s.Invalidate("commit")
	if s.journal != nil && canonical.VideoID != "" {
		if err := s.journal.Put(canonical.VideoID, docHash, hdr.TitleCN); err != nil {
			logger := log.WithComponent("store")
			logger.Warn().Err(err).
				Str(log.FieldDocHash, docHash).
				Msg("external-key journal update failed")
		}
	}
	metrics.StoreCommitsTotal.WithLabelValues(hdr.ContentType).Inc()
	logger := log.WithComponent("store")
	logger.Info().
		Str(log.FieldDocHash, docHash).
		Int(log.FieldVersion, version).
		Msg("artifact committed")
	return docHash, version, nil
}

// GetVersion loads one specific version. It reads the filesystem directly
// so a commit is visible even before the index refresh.
func (s *Store) GetVersion(docHash string, version int) (*Artifact, error) {
	path := s.versionPath(docHash, version)
	raw, err := os.ReadFile(path) // #nosec G304 -- path is derived, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, docHash, version)
		}
		return nil, err
	}
	hdr, bodyBytes, err := mdmeta.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	info, err := os.Stat(path)
	created := time.Time{}
	if err == nil {
		created = info.ModTime()
	}
	return &Artifact{
		DocHash:   docHash,
		Version:   version,
		Header:    hdr,
		Body:      string(bodyBytes),
		CreatedAt: created,
	}, nil
}

// GetLatest loads the highest committed version of the document.
func (s *Store) GetLatest(docHash string) (*Artifact, error) {
	max, err := s.maxVersion(docHash)
	if err != nil {
		return nil, err
	}
	if max == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docHash)
	}
	return s.GetVersion(docHash, max)
}

// LatestVersion returns the highest committed version number, 0 if none.
func (s *Store) LatestVersion(docHash string) (int, error) {
	return s.maxVersion(docHash)
}
