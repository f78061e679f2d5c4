// SPDX-License-Identifier: MIT

// Package source prepares job inputs: canonical-source keys feeding the
// artifact identity, upload validation, and the SourceContent value that
// phases of the workflow consume.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// hashLen is the number of hex characters of the doc hash.
const hashLen = 12

// videoIDPattern matches the 11-character id used by the video platform.
var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ExtractVideoID pulls the 11-character video id out of a watch URL in any
// of its common shapes (watch?v=, youtu.be/, /embed/, /shorts/, /live/).
func ExtractVideoID(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	var candidate string
	switch {
	case u.Query().Get("v") != "":
		candidate = u.Query().Get("v")
	case strings.EqualFold(u.Host, "youtu.be"):
		candidate = strings.Trim(u.Path, "/")
	default:
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, s := range segs {
			if (s == "embed" || s == "shorts" || s == "live" || s == "v") && i+1 < len(segs) {
				candidate = segs[i+1]
				break
			}
		}
	}
	if !videoIDPattern.MatchString(candidate) {
		return "", fmt.Errorf("no video id in %q", rawURL)
	}
	return candidate, nil
}

// NormalizeVideoURL reduces a watch URL to its canonical form with every
// tracking parameter stripped.
func NormalizeVideoURL(rawURL string) (string, error) {
	id, err := ExtractVideoID(rawURL)
	if err != nil {
		return "", err
	}
	return "https://www.youtube.com/watch?v=" + id, nil
}

// HashForVideo derives the stable doc hash for a subtitle/video source.
// It depends only on the video id, so re-analysis keeps the identity.
func HashForVideo(videoID string) string {
	sum := sha256.Sum256([]byte(videoID))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// HashForFile derives the stable doc hash for a file-backed source from
// the content fingerprint and the normalized title.
func HashForFile(fileBytes []byte, title string) string {
	inner := sha256.Sum256(fileBytes)
	outer := sha256.New()
	outer.Write(inner[:])
	outer.Write([]byte(NormalizeTitle(title)))
	return hex.EncodeToString(outer.Sum(nil))[:hashLen]
}

// NormalizeTitle canonicalizes a title for hashing: NFC normalization,
// collapsed whitespace, trimmed.
func NormalizeTitle(title string) string {
	t := norm.NFC.String(title)
	t = strings.Join(strings.Fields(t), " ")
	return strings.TrimSpace(t)
}
