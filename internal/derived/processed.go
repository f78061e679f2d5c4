// SPDX-License-Identifier: MIT

// Package derived watches the artifact root and generates sibling
// artifacts (visual HTML, pre-generated TTS audio) for new Markdown
// versions, each on its own small worker pool.
package derived

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/renameio/v2"
)

// ProcessedSet is the persisted record of artifact files whose visual
// sibling has been generated. Keys are "<doc_hash>/v<N>.md" relative
// paths. The on-disk sibling remains the source of truth: an entry whose
// sibling vanished is purged so regeneration triggers.
type ProcessedSet struct {
	mu   sync.Mutex
	path string
	keys map[string]bool
}

// LoadProcessedSet reads the set from path; a missing file yields an
// empty set.
func LoadProcessedSet(path string) (*ProcessedSet, error) {
	s := &ProcessedSet{path: path, keys: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		// A corrupt set only costs regeneration work.
		return s, nil
	}
	for _, k := range keys {
		s.keys[k] = true
	}
	return s, nil
}

// Contains reports whether key was processed.
func (s *ProcessedSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key]
}

// Add marks key processed and persists the set.
func (s *ProcessedSet) Add(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = true
	return s.saveLocked()
}

// Remove purges key and persists the set.
func (s *ProcessedSet) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.keys[key] {
		return nil
	}
	delete(s.keys, key)
	return s.saveLocked()
}

func (s *ProcessedSet) saveLocked() error {
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, data, 0o640)
}
