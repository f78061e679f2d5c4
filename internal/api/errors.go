// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
	"github.com/deepdoc-ai/deepdoc/internal/workflow"
)

// errorBody is the uniform error envelope of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

// writeTaskError maps the submission error taxonomy onto status codes:
// queue saturation is 503, bad input 400, unsupported formats 415.
func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, workerpool.ErrQueueFull) || errors.Is(err, workerpool.ErrShuttingDown) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: workflow.KindQueueFull})
		return
	}
	we := workflow.AsError(err)
	switch we.Kind {
	case workflow.KindInvalidInput:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: we.Error(), Kind: we.Kind})
	case workflow.KindUnsupportedSource:
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: we.Error(), Kind: we.Kind})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: we.Error(), Kind: we.Kind})
	}
}

// writeStoreError maps store/registry lookup failures.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, taskbus.ErrNotFound):
		writeNotFound(w)
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}
