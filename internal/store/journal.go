// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/deepdoc-ai/deepdoc/internal/log"
)

// Journal is the persisted external-key index: it answers "does this
// video id already have a finished artifact?" across restarts. It is
// memoization only; entries whose artifact no longer exists on disk are
// discarded on lookup.
type Journal struct {
	db *badger.DB
}

type journalEntry struct {
	DocHash string `json:"doc_hash"`
	Title   string `json:"title"`
}

const extKeyPrefix = "ext:"

// OpenJournal opens (or creates) the badger-backed journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Put records the mapping external key -> (doc hash, title).
func (j *Journal) Put(externalKey, docHash, title string) error {
	buf, err := json.Marshal(journalEntry{DocHash: docHash, Title: title})
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(extKeyPrefix+externalKey), buf)
	})
}

// Get returns the entry for an external key, or ("", "", false).
func (j *Journal) Get(externalKey string) (docHash, title string, ok bool) {
	var entry journalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(extKeyPrefix + externalKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger := log.WithComponent("store")
			logger.Warn().Err(err).Msg("journal read failed")
		}
		return "", "", false
	}
	return entry.DocHash, entry.Title, true
}

// Delete removes one external key.
func (j *Journal) Delete(externalKey string) {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(extKeyPrefix + externalKey))
	})
	if err != nil {
		logger := log.WithComponent("store")
		logger.Warn().Err(err).Msg("journal delete failed")
	}
}

// DeleteByDocHash removes every external key pointing at the doc hash.
// Used when the document is trashed.
func (j *Journal) DeleteByDocHash(docHash string) {
	var stale [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(extKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry journalEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			if entry.DocHash == docHash {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		logger := log.WithComponent("store")
		logger.Warn().Err(err).Msg("journal scan failed")
		return
	}
	for _, key := range stale {
		key := key
		if err := j.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			logger := log.WithComponent("store")
			logger.Warn().Err(err).Msg("journal delete failed")
		}
	}
}

// LookupByExternalKey resolves a video id to a finished artifact, with
// the filesystem as the final arbiter: a journal hit whose document is
// gone from disk is purged and reported as a miss.
func (s *Store) LookupByExternalKey(key string) (docHash, title string, ok bool) {
	if s.journal == nil {
		return "", "", false
	}
	docHash, title, ok = s.journal.Get(key)
	if !ok {
		return "", "", false
	}
	max, err := s.maxVersion(docHash)
	if err != nil || max == 0 {
		s.journal.Delete(key)
		return "", "", false
	}
	return docHash, title, true
}
