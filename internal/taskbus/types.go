// SPDX-License-Identifier: MIT

// Package taskbus tracks per-task state and fans events out to any number
// of subscribers. It is the single source of truth for task status,
// progress and the bounded replay ring that reconnecting clients use to
// catch up.
package taskbus

import (
	"time"
)

// TaskType discriminates the payload and the handler of a task.
type TaskType string

const (
	TypeYouTube   TaskType = "youtube"
	TypePDF       TaskType = "pdf"
	TypeDocument  TaskType = "document"
	TypeUltraDeep TaskType = "ultra_deep"
	TypeVisual    TaskType = "visual"
	TypeTTSPregen TaskType = "tts_pregen"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeYouTube, TypePDF, TypeDocument, TypeUltraDeep, TypeVisual, TypeTTSPregen:
		return true
	}
	return false
}

// Priority orders tasks in the worker pool queue. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// Valid reports whether p is within the defined ordinal range.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// Status is the task state machine value.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// validTransition encodes the only edges the state machine may take.
func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// EventType classifies a published event.
type EventType string

const (
	EventLog       EventType = "log"
	EventProgress  EventType = "progress"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
	// EventDropped is delivered as the final event to a subscriber that
	// fell behind its buffer and was disconnected.
	EventDropped EventType = "backpressure_dropped"
)

// Event is a single message in a task's published stream. Seq increases
// monotonically per task and is the resume cursor for reconnects.
type Event struct {
	Seq     int64       `json:"seq"`
	TaskID  string      `json:"task_id"`
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// ProgressPayload is the payload of an EventProgress event.
type ProgressPayload struct {
	Pct int `json:"pct"`
}

// LogPayload is the payload of an EventLog event.
type LogPayload struct {
	Line string `json:"line"`
}

// ResultRef identifies the committed artifact of a succeeded task.
type ResultRef struct {
	DocHash string `json:"doc_hash"`
	Version int    `json:"version"`
	TitleCN string `json:"title_cn,omitempty"`
}

// ErrorInfo is the structured failure attached to a failed task and
// carried by its terminal error event.
type ErrorInfo struct {
	Kind     string `json:"kind"`
	Stage    string `json:"stage,omitempty"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// Payload carries the per-type task inputs. Exactly the fields relevant
// to the task's type are set.
type Payload struct {
	SourceURL string `json:"source_url,omitempty"` // youtube
	FileRef   string `json:"file_ref,omitempty"`   // pdf/document: uploaded file reference
	FileName  string `json:"file_name,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`     // document: inline text body
	DocHash   string `json:"doc_hash,omitempty"` // ultra_deep/visual/tts_pregen: artifact to enrich
	Voice     string `json:"voice,omitempty"`    // tts_pregen
	Language  string `json:"language,omitempty"` // tts_pregen
}

// Task is the externally visible snapshot of one unit of work.
type Task struct {
	ID          string     `json:"task_id"`
	Type        TaskType   `json:"task_type"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	ProgressPct int        `json:"progress_pct"`
	Logs        []string   `json:"logs,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Payload     Payload    `json:"payload"`
	Result      *ResultRef `json:"result_ref,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}
