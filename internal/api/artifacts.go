// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

func validHash(w http.ResponseWriter, hash string) bool {
	if !hashPattern.MatchString(hash) {
		writeBadRequest(w, fmt.Errorf("invalid document hash %q", hash))
		return false
	}
	return true
}

// handleListArtifacts serves the index with cache_version as ETag so
// dashboards can poll cheaply.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	summaries, cacheVersion, err := s.opts.Store.ListAll()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	etag := fmt.Sprintf(`"%d"`, cacheVersion)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, map[string]any{
		"artifacts":     summaries,
		"cache_version": cacheVersion,
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	art, err := s.opts.Store.GetLatest(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactResponse(art))
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		writeBadRequest(w, fmt.Errorf("invalid version %q", chi.URLParam(r, "n")))
		return
	}
	art, err := s.opts.Store.GetVersion(hash, n)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactResponse(art))
}

func artifactResponse(art *store.Artifact) map[string]any {
	return map[string]any{
		"doc_hash":   art.DocHash,
		"version":    art.Version,
		"metadata":   art.Header.Map(),
		"body":       art.Body,
		"created_at": art.CreatedAt,
	}
}

// handleMarkdown serves the raw artifact file of the latest version.
func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	art, err := s.opts.Store.GetLatest(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_v%d.md"`, hash, art.Version))
	_, _ = w.Write(mdmeta.Compose(art.Header, []byte(art.Body)))
}

// handlePDF serves the PDF sibling, rendering and caching it on first
// request.
func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	art, err := s.opts.Store.GetLatest(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pdfPath := s.opts.Store.SiblingPath(hash, art.Version, "pdf")
	data, err := os.ReadFile(pdfPath)
	if os.IsNotExist(err) {
		if s.opts.PDF == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "pdf rendering not configured"})
			return
		}
		data, err = s.opts.PDF.Render(r.Context(), []byte(art.Body))
		if err == nil {
			err = s.opts.Store.WriteSibling(hash, art.Version, "pdf", data)
		}
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_v%d.pdf"`, hash, art.Version))
	_, _ = w.Write(data)
}

// handleVisual serves the generated HTML sibling of the latest version.
func (s *Server) handleVisual(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	version, err := s.opts.Store.LatestVersion(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	data, err := os.ReadFile(s.opts.Store.SiblingPath(hash, version, "html"))
	if os.IsNotExist(err) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(w, hash) {
		return
	}
	entry, err := s.opts.Store.Delete(hash)
	if err != nil {
		var partial *store.PartialError
		if errors.As(err, &partial) {
			writeJSON(w, http.StatusOK, map[string]any{"trash": entry, "warning": partial.Error()})
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trash": entry})
}

// handleRefresh forces an index rebuild, for operators recovering from
// out-of-band filesystem edits.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.opts.Store.Invalidate("admin")
	summaries, cacheVersion, err := s.opts.Store.ListAll()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents":     len(summaries),
		"cache_version": cacheVersion,
	})
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Store.ListTrash()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Restore(chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Purge(chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// handleLookup answers "did we already process video V?".
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("video_id")
	if videoID == "" {
		writeBadRequest(w, fmt.Errorf("video_id query parameter required"))
		return
	}
	docHash, title, ok := s.opts.Store.LookupByExternalKey(videoID)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"doc_hash": docHash,
		"title":    title,
	})
}
