// SPDX-License-Identifier: MIT

package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
)

// Event types streamed to TTS subscribers.
const (
	EventChunk    = "chunk"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one item of the synthesis stream. Index increases
// monotonically for chunk events; Cached marks chunks replayed from a
// prior partial run.
type Event struct {
	Type   string `json:"type"`
	Index  int    `json:"index,omitempty"`
	Total  int    `json:"total,omitempty"`
	Path   string `json:"path,omitempty"`
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Request describes one synthesis run over an already-extracted text.
type Request struct {
	DocHash  string
	Voice    string
	Language string
	Text     string
}

// Options tunes a Service.
type Options struct {
	MaxTextRunes int
	ChunkRunes   int
}

// Service generates chunked audio with a resumable on-disk cache. Runs
// for the same cache key are serialized; completed chunks are replayed,
// missing ones synthesized.
type Service struct {
	cache *Cache
	synth Synthesizer
	opts  Options

	keyMuMu sync.Mutex
	keyMu   map[string]*sync.Mutex
}

// NewService wires the cache and the synthesizer. synth may be nil, in
// which case Generate fails with ErrNoSynthesizer (status reads still
// work).
func NewService(cache *Cache, synth Synthesizer, opts Options) *Service {
	if opts.ChunkRunes <= 0 {
		opts.ChunkRunes = 1800
	}
	return &Service{cache: cache, synth: synth, opts: opts, keyMu: make(map[string]*sync.Mutex)}
}

func (s *Service) lockKey(key string) func() {
	s.keyMuMu.Lock()
	mu, ok := s.keyMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyMu[key] = mu
	}
	s.keyMuMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Prepare extracts the readable text and computes the cache key for a
// Markdown body.
func (s *Service) Prepare(docHash, voice, language, markdown string) (Request, string) {
	text := ExtractText(markdown, s.opts.MaxTextRunes)
	req := Request{DocHash: docHash, Voice: voice, Language: language, Text: text}
	return req, CacheKey(docHash, voice, language, text)
}

// Generate synthesizes every chunk of req, emitting one Event per chunk
// plus a terminal complete or error event. Already-cached chunks are
// replayed first with Cached set, which is what makes client reconnects
// resume instead of restart.
func (s *Service) Generate(ctx context.Context, req Request, emit func(Event)) error {
	logger := log.WithComponentFromContext(ctx, "tts")
	key := CacheKey(req.DocHash, req.Voice, req.Language, req.Text)
	unlock := s.lockKey(key)
	defer unlock()

	fail := func(err error) error {
		emit(Event{Type: EventError, Error: err.Error()})
		return err
	}

	if req.Text == "" {
		return fail(fmt.Errorf("document %s has no readable text", req.DocHash))
	}
	chunks := SplitChunks(req.Text, s.opts.ChunkRunes)
	total := len(chunks)

	meta, err := s.cache.ReadMeta(key)
	if err != nil {
		return fail(err)
	}
	if meta == nil {
		meta = &Meta{
			DocHash:   req.DocHash,
			Voice:     req.Voice,
			Language:  req.Language,
			CreatedAt: time.Now().UTC(),
		}
	}
	meta.TotalChunks = total

	generated := 0
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if s.cache.HasChunk(key, i) {
			generated++
			emit(Event{Type: EventChunk, Index: i, Total: total, Path: s.cache.ChunkPath(key, i), Cached: true})
			continue
		}
		if s.synth == nil {
			return fail(ErrNoSynthesizer)
		}
		audio, err := s.synth.Synthesize(ctx, chunks[i], req.Voice, req.Language)
		if err != nil {
			meta.ChunksGenerated = generated
			_ = s.cache.WriteMeta(key, meta)
			return fail(fmt.Errorf("chunk %d: %w", i, err))
		}
		if err := s.cache.WriteChunk(key, i, audio); err != nil {
			return fail(fmt.Errorf("persist chunk %d: %w", i, err))
		}
		generated++
		meta.ChunksGenerated = generated
		if err := s.cache.WriteMeta(key, meta); err != nil {
			return fail(err)
		}
		metrics.TTSChunksTotal.Inc()
		emit(Event{Type: EventChunk, Index: i, Total: total, Path: s.cache.ChunkPath(key, i)})
	}

	meta.ChunksGenerated = total
	meta.Complete = true
	if err := s.cache.WriteMeta(key, meta); err != nil {
		return fail(err)
	}
	logger.Info().
		Str(log.FieldDocHash, req.DocHash).
		Int("chunks", total).
		Msg("tts generation complete")
	emit(Event{Type: EventComplete, Total: total})
	return nil
}

// Status reports every cache record for the document.
func (s *Service) Status(docHash string) ([]Meta, error) {
	return s.cache.StatusByDocHash(docHash)
}

// Cache exposes the underlying chunk store for direct reads.
func (s *Service) Cache() *Cache { return s.cache }
