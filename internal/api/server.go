// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the daemon: task submission and
// streaming, queue introspection, artifact reads and lifecycle, TTS.
// Reads are public; mutations require the configured bearer token.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepdoc-ai/deepdoc/internal/app"
	"github.com/deepdoc-ai/deepdoc/internal/auth"
	"github.com/deepdoc-ai/deepdoc/internal/derived"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/tts"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
)

// Options wires a Server.
type Options struct {
	Registry *taskbus.Registry
	Pool     *workerpool.Pool
	Store    *store.Store
	Runner   *app.Runner
	// TTS may be nil; audio endpoints then answer 503.
	TTS *tts.Service
	// PDF may be nil; pdf downloads then answer 503.
	PDF derived.Renderer

	BearerToken string
	Voice       string
	Language    string

	// SubmitPerMinute rate-limits task submission per client IP.
	// Zero disables the limiter.
	SubmitPerMinute int

	MaxTextSize   int64
	MaxBinarySize int64
}

// Server holds the handler dependencies.
type Server struct {
	opts Options
}

// NewServer builds the HTTP surface.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Router assembles the route tree with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.opts.SubmitPerMinute > 0 {
				r.Use(httprate.Limit(
					s.opts.SubmitPerMinute,
					time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
				))
			}
			r.With(s.requireAuth).Post("/tasks", s.handleSubmit)
		})
		r.Get("/tasks/{id}", s.handleSnapshot)
		r.Get("/tasks/{id}/events", s.handleEvents)
		r.With(s.requireAuth).Post("/tasks/{id}/cancel", s.handleCancel)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/tasks", s.handleQueueTasks)

		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/{hash}", s.handleGetArtifact)
		r.Get("/artifacts/{hash}/versions/{n}", s.handleGetVersion)
		r.Get("/artifacts/{hash}/markdown", s.handleMarkdown)
		r.Get("/artifacts/{hash}/pdf", s.handlePDF)
		r.Get("/artifacts/{hash}/visual", s.handleVisual)
		r.With(s.requireAuth).Delete("/artifacts/{hash}", s.handleDelete)
		r.With(s.requireAuth).Post("/artifacts/refresh", s.handleRefresh)

		r.Get("/trash", s.handleListTrash)
		r.With(s.requireAuth).Post("/trash/{name}/restore", s.handleRestore)
		r.With(s.requireAuth).Delete("/trash/{name}", s.handlePurge)

		r.Get("/lookup", s.handleLookup)

		r.With(s.requireAuth).Post("/tts/{hash}", s.handleTTSGenerate)
		r.Get("/tts/{hash}/status", s.handleTTSStatus)
		r.Get("/tts/{hash}/stream", s.handleTTSStream)
	})
	return r
}

// requireAuth guards mutating endpoints with the bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.AuthorizeRequest(r, s.opts.BearerToken) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  s.opts.Pool.Stats(),
	})
}
