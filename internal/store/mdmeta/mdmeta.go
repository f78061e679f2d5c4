// SPDX-License-Identifier: MIT

// Package mdmeta reads and writes the fenced metadata header that leads
// every stored Markdown artifact. Parsing preserves the raw key order and
// values so that Encode(Parse(x)) == x for any valid header, including
// legacy records.
package mdmeta

import (
	"bytes"
	"fmt"
	"strings"
)

// Delimiter lines of the fenced header.
const fence = "---"

// MetaVersion is written into headers produced by this process.
const MetaVersion = "2"

// Known keys, in the canonical order New emits them.
const (
	KeyMetaVersion = "meta_version"
	KeyTitleEN     = "title_en"
	KeyTitleCN     = "title_cn"
	KeyUploadDate  = "upload_date"
	KeyVideoURL    = "video_url"
	KeyIsReinvent  = "is_reinvent"
	KeyCourseCode  = "course_code"
	KeyLevel       = "level"
	KeyContentType = "content_type"

	// legacyTitle appears in headers written before the two-language
	// title split. It populates both title fields on read.
	legacyTitle = "title"
)

// Content types stored in the header.
const (
	ContentTypeYouTube  = "YouTube视频"
	ContentTypePDF      = "PDF文档"
	ContentTypeDocument = "文档"
)

type kv struct {
	key   string
	value string
}

// Header is an ordered set of key/value pairs. The zero value is empty.
type Header struct {
	pairs []kv
}

// Fields is the typed construction input for New.
type Fields struct {
	TitleEN     string
	TitleCN     string
	UploadDate  string // YYYYMMDD, "19700101" for non-dated sources
	VideoURL    string // may be a synthetic identifier for non-URL sources
	IsReinvent  bool
	CourseCode  string // optional
	Level       string // optional
	ContentType string
}

// New builds a header in canonical key order.
func New(f Fields) Header {
	if f.UploadDate == "" {
		f.UploadDate = "19700101"
	}
	h := Header{}
	h.set(KeyMetaVersion, MetaVersion)
	h.set(KeyTitleEN, f.TitleEN)
	h.set(KeyTitleCN, f.TitleCN)
	h.set(KeyUploadDate, f.UploadDate)
	h.set(KeyVideoURL, f.VideoURL)
	h.set(KeyIsReinvent, fmt.Sprintf("%t", f.IsReinvent))
	if f.CourseCode != "" {
		h.set(KeyCourseCode, f.CourseCode)
	}
	if f.Level != "" {
		h.set(KeyLevel, f.Level)
	}
	h.set(KeyContentType, f.ContentType)
	return h
}

func (h *Header) set(key, value string) {
	for i := range h.pairs {
		if h.pairs[i].key == key {
			h.pairs[i].value = value
			return
		}
	}
	h.pairs = append(h.pairs, kv{key: key, value: value})
}

// Get returns the raw value of key and whether it is present.
func (h Header) Get(key string) (string, bool) {
	for _, p := range h.pairs {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// Map returns a plain key/value view of the header. Pair order is lost;
// use Encode where byte fidelity matters.
func (h Header) Map() map[string]string {
	m := make(map[string]string, len(h.pairs))
	for _, p := range h.pairs {
		m[p.key] = p.value
	}
	return m
}

// TitleEN returns the English title, falling back to the legacy single
// title key.
func (h Header) TitleEN() string {
	if v, ok := h.Get(KeyTitleEN); ok {
		return v
	}
	v, _ := h.Get(legacyTitle)
	return v
}

// TitleCN returns the Chinese title, falling back to the legacy single
// title key.
func (h Header) TitleCN() string {
	if v, ok := h.Get(KeyTitleCN); ok {
		return v
	}
	v, _ := h.Get(legacyTitle)
	return v
}

// UploadDate returns the upload date or "19700101" when absent.
func (h Header) UploadDate() string {
	if v, ok := h.Get(KeyUploadDate); ok && v != "" {
		return v
	}
	return "19700101"
}

// VideoURL returns the source URL (or synthetic identifier).
func (h Header) VideoURL() string {
	v, _ := h.Get(KeyVideoURL)
	return v
}

// IsReinvent reports the tagged-talk flag.
func (h Header) IsReinvent() bool {
	v, _ := h.Get(KeyIsReinvent)
	return v == "true"
}

// CourseCode returns the optional course code tag.
func (h Header) CourseCode() string {
	v, _ := h.Get(KeyCourseCode)
	return v
}

// Level returns the optional level tag.
func (h Header) Level() string {
	v, _ := h.Get(KeyLevel)
	return v
}

// ContentType returns the stored content type.
func (h Header) ContentType() string {
	v, _ := h.Get(KeyContentType)
	return v
}

// List splits a bracketed list value ("[a, b]") into its elements. A plain
// value is returned as a single-element slice.
func List(value string) []string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		inner := trimmed[1 : len(trimmed)-1]
		if strings.TrimSpace(inner) == "" {
			return nil
		}
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	if trimmed == "" {
		return nil
	}
	return []string{trimmed}
}

// Encode serializes the header, fences included, with a trailing blank
// line separating it from the document body.
func (h Header) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(fence)
	b.WriteByte('\n')
	for _, p := range h.pairs {
		b.WriteString(p.key)
		if p.value == "" {
			// An empty value encodes as a bare "key:" so that parse and
			// encode are exact inverses of each other.
			b.WriteString(":")
		} else {
			b.WriteString(": ")
			b.WriteString(p.value)
		}
		b.WriteByte('\n')
	}
	b.WriteString(fence)
	b.WriteByte('\n')
	b.WriteByte('\n')
	return b.Bytes()
}

// Parse splits a stored document into its header and body. The body is the
// content after the closing fence and the blank separator line.
func Parse(doc []byte) (Header, []byte, error) {
	text := string(doc)
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || strings.TrimRight(lines[0], "\r") != fence {
		return Header{}, nil, fmt.Errorf("document does not start with a metadata fence")
	}
	var h Header
	i := 1
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == fence {
			break
		}
		key, value, found := strings.Cut(line, ": ")
		if !found {
			// Tolerate a bare "key:" with an empty value.
			if strings.HasSuffix(line, ":") {
				key, value = strings.TrimSuffix(line, ":"), ""
			} else {
				return Header{}, nil, fmt.Errorf("malformed header line %d: %q", i+1, line)
			}
		}
		if key == "" {
			return Header{}, nil, fmt.Errorf("empty key in header line %d", i+1)
		}
		h.pairs = append(h.pairs, kv{key: key, value: value})
	}
	if i == len(lines) {
		return Header{}, nil, fmt.Errorf("metadata fence is not closed")
	}
	// Skip the closing fence and the single blank separator line.
	body := ""
	rest := lines[i+1:]
	if len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}
	body = strings.Join(rest, "\n")
	return h, []byte(body), nil
}

// Compose joins a header and a Markdown body into the stored document form.
func Compose(h Header, body []byte) []byte {
	out := h.Encode()
	return append(out, body...)
}
