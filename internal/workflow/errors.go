// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
)

// Error kinds, stable identifiers surfaced to clients.
const (
	KindInvalidInput      = "invalid_input"
	KindUnsupportedSource = "unsupported_source"
	KindSourceAcquisition = "source_acquisition_failed"
	KindLMTransient       = "lm_transient"
	KindLMFatal           = "lm_fatal"
	KindCancelled         = "workflow_cancelled"
	KindTimeout           = "workflow_timeout"
	KindPersistenceFailed = "persistence_failed"
	KindQueueFull         = "queue_full"
	KindInternal          = "internal"
)

// Error is the structured workflow failure: a taxonomy kind plus the
// stage it happened in and how many attempts were consumed.
type Error struct {
	Kind     string
	Stage    string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s (attempts=%d): %v", e.Kind, e.Stage, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError classifies err into the taxonomy at the given stage.
func newError(stage string, attempts int, err error) *Error {
	kind := KindInternal
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case llm.IsFatal(err):
		kind = KindLMFatal
	case llm.IsTransient(err):
		kind = KindLMTransient
	}
	return &Error{Kind: kind, Stage: stage, Attempts: attempts, Err: err}
}

// AsError extracts a workflow *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Kind: KindInternal, Stage: "unknown", Err: err}
}
