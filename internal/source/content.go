// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Kind distinguishes how the prepared content reaches the LM.
type Kind string

const (
	// KindText carries cleaned plain text injected into prompts.
	KindText Kind = "text"
	// KindMultimodal carries a vendor file reference passed by reference
	// into multimodal prompts.
	KindMultimodal Kind = "multimodal"
)

// Content is the uniform handoff from source preparation to the workflow.
type Content struct {
	Kind    Kind
	Text    string // KindText
	FileRef string // KindMultimodal: vendor file id
	Mime    string // KindMultimodal
	// ApproxTokens is a rough size estimate used for prompt budgeting.
	ApproxTokens int
}

// TextContent builds a text-mode Content with its token estimate.
func TextContent(text string) Content {
	return Content{
		Kind:         KindText,
		Text:         text,
		ApproxTokens: approxTokens(text),
	}
}

// MultimodalContent builds a file-reference Content.
func MultimodalContent(fileRef, mime string, approxTokens int) Content {
	return Content{
		Kind:         KindMultimodal,
		FileRef:      fileRef,
		Mime:         mime,
		ApproxTokens: approxTokens,
	}
}

// approxTokens estimates tokens as a blend of rune and byte counts so that
// CJK-heavy and Latin-heavy text are both in the right ballpark.
func approxTokens(s string) int {
	runes := utf8.RuneCountInString(s)
	return runes/3 + len(s)/6
}

// Format limits, configurable at the HTTP boundary.
const (
	DefaultMaxTextBytes   = 10 << 20
	DefaultMaxBinaryBytes = 50 << 20
)

var (
	textExtensions   = map[string]bool{".txt": true, ".md": true, ".markdown": true}
	binaryExtensions = map[string]string{".pdf": "application/pdf", ".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
)

// ValidateUpload checks the extension and size of an uploaded file and
// returns whether it is a text-mode upload and the MIME type for binary
// ones. Unsupported extensions are rejected early.
func ValidateUpload(filename string, size int64, maxText, maxBinary int64) (isText bool, mime string, err error) {
	if maxText <= 0 {
		maxText = DefaultMaxTextBytes
	}
	if maxBinary <= 0 {
		maxBinary = DefaultMaxBinaryBytes
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case textExtensions[ext]:
		if size > maxText {
			return false, "", fmt.Errorf("text file exceeds %d bytes: %d", maxText, size)
		}
		return true, "text/plain", nil
	case binaryExtensions[ext] != "":
		if size > maxBinary {
			return false, "", fmt.Errorf("binary file exceeds %d bytes: %d", maxBinary, size)
		}
		return false, binaryExtensions[ext], nil
	default:
		return false, "", fmt.Errorf("unsupported file extension %q", ext)
	}
}
