// SPDX-License-Identifier: MIT

package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	metaFile = "meta.json"
	keyLen   = 16
)

// CacheKey derives the cache identity for one synthesis request. Any
// change to the text (a new artifact version) yields a fresh key.
func CacheKey(docHash, voice, language, text string) string {
	sum := sha256.Sum256([]byte(docHash + "|" + voice + "|" + language + "|" + text))
	return hex.EncodeToString(sum[:])[:keyLen]
}

// Meta is the per-key cache record. ChunksGenerated < TotalChunks marks
// a resumable partial run.
type Meta struct {
	DocHash         string    `json:"doc_hash"`
	Voice           string    `json:"voice"`
	Language        string    `json:"language"`
	TotalChunks     int       `json:"total_chunks"`
	ChunksGenerated int       `json:"chunks_generated"`
	Complete        bool      `json:"complete"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Cache is the on-disk chunk store under TTS_CACHE_ROOT. One directory
// per key, chunk files plus meta.json, all written atomically.
type Cache struct {
	root string
}

// OpenCache ensures the root exists.
func OpenCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create tts cache root: %w", err)
	}
	return &Cache{root: root}, nil
}

func (c *Cache) keyDir(key string) string { return filepath.Join(c.root, key) }

// ChunkPath names the audio file for one chunk index.
func (c *Cache) ChunkPath(key string, index int) string {
	return filepath.Join(c.keyDir(key), fmt.Sprintf("chunk_%04d.mp3", index))
}

// ReadMeta loads the record for key, or (nil, nil) when the key is
// unknown.
func (c *Cache) ReadMeta(key string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(c.keyDir(key), metaFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt tts meta for %s: %w", key, err)
	}
	return &m, nil
}

// WriteMeta persists the record via temp-file-then-rename.
func (c *Cache) WriteMeta(key string, m *Meta) error {
	if err := os.MkdirAll(c.keyDir(key), 0o750); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(c.keyDir(key), metaFile), data, 0o640)
}

// WriteChunk persists one audio chunk atomically.
func (c *Cache) WriteChunk(key string, index int, audio []byte) error {
	if err := os.MkdirAll(c.keyDir(key), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(c.ChunkPath(key, index), audio, 0o640)
}

// HasChunk reports whether the chunk file exists on disk. Disk is the
// truth; meta counters are advisory.
func (c *Cache) HasChunk(key string, index int) bool {
	_, err := os.Stat(c.ChunkPath(key, index))
	return err == nil
}

// StatusByDocHash returns the records of every cache entry belonging to
// the document, newest first by update time.
func (c *Cache) StatusByDocHash(docHash string) ([]Meta, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := c.ReadMeta(e.Name())
		if err != nil || m == nil {
			continue
		}
		if m.DocHash == docHash {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// RemoveByDocHash drops every cache entry of the document, for purges
// where the audio must not survive the markdown.
func (c *Cache) RemoveByDocHash(docHash string) error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := c.ReadMeta(e.Name())
		if err != nil || m == nil || m.DocHash != docHash {
			continue
		}
		if err := os.RemoveAll(c.keyDir(e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// CleanStrays removes leftover temp files from interrupted writes.
func (c *Cache) CleanStrays() {
	_ = filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			_ = os.Remove(path)
		}
		return nil
	})
}
