// SPDX-License-Identifier: MIT

// Package llm abstracts the language-model vendor behind a small
// capability: turn a prompt (optionally referencing an uploaded file)
// into text. Errors are classified into transient and fatal so callers
// can decide what to retry.
package llm

import (
	"context"
	"errors"
)

// Sentinel classification errors. Vendor adapters wrap their SDK errors
// with one of these; IsTransient/IsFatal discriminate.
var (
	// ErrTransient marks retryable vendor failures: timeouts, 429, 5xx.
	ErrTransient = errors.New("lm transient error")
	// ErrFatal marks non-retryable failures: auth, quota, invalid request,
	// safety block.
	ErrFatal = errors.New("lm fatal error")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// Request is one generation call.
type Request struct {
	System string // optional system prompt
	Prompt string // user prompt text
	// FileRef references a vendor-side uploaded document for multimodal
	// prompts; Mime qualifies it. Empty for text-only requests.
	FileRef string
	Mime    string
	// JSONMode asks the model for a single JSON object and nothing else.
	JSONMode  bool
	MaxTokens int
}

// Client is the generation capability used by the workflow and the
// derived-artifact pipelines.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}
