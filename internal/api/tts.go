// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deepdoc-ai/deepdoc/internal/tts"
)

func (s *Server) ttsEnabled(w http.ResponseWriter) bool {
	if s.opts.TTS == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "tts not configured"})
		return false
	}
	return true
}

// ttsRequest overrides the configured voice/language defaults.
type ttsRequest struct {
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *Server) ttsPrepare(r *http.Request, hash string) (tts.Request, error) {
	voice, language := s.opts.Voice, s.opts.Language
	if r.Body != nil {
		var body ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			if body.Voice != "" {
				voice = body.Voice
			}
			if body.Language != "" {
				language = body.Language
			}
		}
	}
	art, err := s.opts.Store.GetLatest(hash)
	if err != nil {
		return tts.Request{}, err
	}
	req, _ := s.opts.TTS.Prepare(hash, voice, language, art.Body)
	return req, nil
}

// handleTTSGenerate synthesizes (or completes) the audio for the latest
// version and returns the resulting cache record. Cached chunks make
// repeat calls cheap.
func (s *Server) handleTTSGenerate(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) || !s.ttsEnabled(w) {
		return
	}
	req, err := s.ttsPrepare(r, hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.opts.TTS.Generate(r.Context(), req, func(tts.Event) {}); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, tts.ErrNoSynthesizer) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, errorBody{Error: err.Error()})
		return
	}
	metas, err := s.opts.TTS.Status(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": metas})
}

// handleTTSStatus reports cache records including partial runs, so
// clients can show chunks_generated/total_chunks.
func (s *Server) handleTTSStatus(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) || !s.ttsEnabled(w) {
		return
	}
	metas, err := s.opts.TTS.Status(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": metas})
}

// handleTTSStream streams synthesis as SSE chunk events. Cached chunks
// replay first, so a reconnecting client resumes instead of restarting.
func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) || !s.ttsEnabled(w) {
		return
	}
	req, err := s.ttsPrepare(r, hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The id field is a per-stream monotone counter; chunk indices repeat
	// across runs and the terminal events carry no index at all.
	seq := 0
	_ = s.opts.TTS.Generate(r.Context(), req, func(e tts.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, data); err != nil {
			return
		}
		flusher.Flush()
	})
}
