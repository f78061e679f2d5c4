// SPDX-License-Identifier: MIT

package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoFetcher is returned when a video task arrives but no subtitle
// fetcher is configured.
var ErrNoFetcher = errors.New("no subtitle fetcher configured")

// SubtitleFetcher obtains the cleaned transcript text for a video id.
type SubtitleFetcher interface {
	Fetch(ctx context.Context, videoID string) (string, error)
}

// CommandFetcher shells out to an external media tool. The placeholder
// {url} in the argument list is replaced with the normalized video URL;
// the transcript is read from stdout.
type CommandFetcher struct {
	Bin  string
	Args []string
}

// NewCommandFetcher parses a command line like
// "yt-dlp --skip-download --write-auto-subs -o - {url}".
func NewCommandFetcher(command string) (*CommandFetcher, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("empty subtitle command")
	}
	return &CommandFetcher{Bin: parts[0], Args: parts[1:]}, nil
}

func (f *CommandFetcher) Fetch(ctx context.Context, videoID string) (string, error) {
	url := "https://www.youtube.com/watch?v=" + videoID
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = strings.ReplaceAll(a, "{url}", url)
	}

	cmd := exec.CommandContext(ctx, f.Bin, args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("subtitle fetch %s: %w: %s", f.Bin, err, strings.TrimSpace(stderr.String()))
	}
	text := CleanTranscript(stdout.String())
	if text == "" {
		return "", fmt.Errorf("subtitle fetch %s returned no text", f.Bin)
	}
	return text, nil
}

// CleanTranscript strips cue metadata from WebVTT/SRT style transcripts
// and collapses duplicate consecutive lines, leaving readable plain text.
func CleanTranscript(raw string) string {
	var out []string
	prev := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", line == "WEBVTT":
			continue
		case strings.Contains(line, "-->"):
			continue
		case isCueNumber(line):
			continue
		case strings.HasPrefix(line, "Kind:"), strings.HasPrefix(line, "Language:"):
			continue
		}
		line = stripCueTags(line)
		if line == "" || line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}

func isCueNumber(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripCueTags removes inline <c>/<00:00:00.000> markup.
func stripCueTags(line string) string {
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
