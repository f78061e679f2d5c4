// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deepdoc-ai/deepdoc/internal/app"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
)

// submitRequest is the JSON submission body. Multipart submissions carry
// the same fields as form values plus a "file" part.
type submitRequest struct {
	TaskType  string `json:"task_type"`
	SourceURL string `json:"source_url,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	DocHash   string `json:"doc_hash,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

type submitResponse struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"` // created | reconnected
	QueueInfo workerpoolStats `json:"queue_info"`
}

type workerpoolStats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	MaxQueue int `json:"max_queue"`
}

func (s *Server) queueInfo() workerpoolStats {
	st := s.opts.Pool.Stats()
	return workerpoolStats{Queued: st.Queued, InFlight: st.InFlight, MaxQueue: st.MaxQueue}
}

// handleSubmit admits a new task or reconnects to a known one.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, fileName, fileBytes, err := parseSubmit(r, s.opts.MaxBinarySize)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	// Reconnect: a known task id simply rejoins; terminal tasks replay
	// their retained events through the stream endpoint.
	if req.TaskID != "" {
		if _, err := s.opts.Registry.GetSnapshot(req.TaskID); err == nil {
			writeJSON(w, http.StatusOK, submitResponse{
				TaskID:    req.TaskID,
				Status:    "reconnected",
				QueueInfo: s.queueInfo(),
			})
			return
		}
	}

	prio := taskbus.PriorityNormal
	if req.Priority != nil {
		prio = taskbus.Priority(*req.Priority)
	}
	taskID, err := s.opts.Runner.Submit(app.Submission{
		Type:      taskbus.TaskType(req.TaskType),
		Priority:  prio,
		SourceURL: req.SourceURL,
		Title:     req.Title,
		Text:      req.Text,
		DocHash:   req.DocHash,
		FileName:  fileName,
		FileBytes: fileBytes,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:    taskID,
		Status:    "created",
		QueueInfo: s.queueInfo(),
	})
}

// parseSubmit accepts application/json or multipart/form-data.
func parseSubmit(r *http.Request, maxUpload int64) (submitRequest, string, []byte, error) {
	var req submitRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return req, "", nil, fmt.Errorf("parse multipart form: %w", err)
		}
		req.TaskType = r.FormValue("task_type")
		req.SourceURL = r.FormValue("source_url")
		req.Title = r.FormValue("title")
		req.Text = r.FormValue("text")
		req.DocHash = r.FormValue("doc_hash")
		req.TaskID = r.FormValue("task_id")
		if p := r.FormValue("priority"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return req, "", nil, fmt.Errorf("invalid priority %q", p)
			}
			req.Priority = &n
		}
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, maxUpload+1))
			if err != nil {
				return req, "", nil, err
			}
			if int64(len(data)) > maxUpload {
				return req, "", nil, fmt.Errorf("upload exceeds %d bytes", maxUpload)
			}
			return req, header.Filename, data, nil
		}
		return req, "", nil, nil
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, "", nil, fmt.Errorf("decode request body: %w", err)
		}
		return req, "", nil, nil
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Registry.GetSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	accepted, err := s.opts.Registry.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, taskbus.ErrTerminal) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "task already terminal"})
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Pool.Stats())
}

// handleQueueTasks lists non-terminal tasks, newest first.
func (s *Server) handleQueueTasks(w http.ResponseWriter, r *http.Request) {
	all := s.opts.Registry.List()
	active := make([]taskbus.Task, 0, len(all))
	for _, t := range all {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": active,
		"stats": s.opts.Pool.Stats(),
	})
}

// heartbeatInterval keeps intermediaries from closing idle SSE streams.
const heartbeatInterval = 15 * time.Second

// handleEvents streams task events as SSE. Last-Event-ID (or
// ?since_event_id) resumes after the given sequence number; terminal
// tasks replay their ring and close.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var since int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("since_event_id"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}

	replay, sub, err := s.opts.Registry.Subscribe(taskID, since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer sub.Close()

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

	for _, ev := range replay {
		if writeSSE(w, ev) != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if writeSSE(w, ev) != nil {
				return
			}
			flusher.Flush()
			if ev.Type == taskbus.EventResult || ev.Type == taskbus.EventError || ev.Type == taskbus.EventDropped {
				return
			}
		}
	}
}

// writeSSE emits one event in wire format; the id field carries the
// sequence number used for resumption.
func writeSSE(w io.Writer, ev taskbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
