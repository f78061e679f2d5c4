// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTaskID    = "task_id"
	FieldRequestID = "request_id"
	FieldDocHash   = "doc_hash"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldTaskType  = "task_type"
	FieldPriority  = "priority"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath    = "path"
	FieldVersion = "version"
)
