// SPDX-License-Identifier: MIT

package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoSynthesizer is returned when TTS is requested but no synthesizer
// is configured.
var ErrNoSynthesizer = errors.New("no tts synthesizer configured")

// Synthesizer produces audio for one text chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, language string) ([]byte, error)
}

// CommandSynthesizer shells out to an external synthesizer binary. The
// chunk text goes to stdin, audio bytes come back on stdout. Placeholders
// {voice} and {language} in the argument list are substituted per call.
type CommandSynthesizer struct {
	Bin  string
	Args []string
}

// NewCommandSynthesizer parses a command line like
// "edge-tts --voice {voice} --lang {language}".
func NewCommandSynthesizer(command string) (*CommandSynthesizer, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("empty tts command")
	}
	return &CommandSynthesizer{Bin: parts[0], Args: parts[1:]}, nil
}

func (s *CommandSynthesizer) Synthesize(ctx context.Context, text, voice, language string) ([]byte, error) {
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		a = strings.ReplaceAll(a, "{voice}", voice)
		a = strings.ReplaceAll(a, "{language}", language)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, s.Bin, args...) // #nosec G204
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synthesizer %s: %w: %s", s.Bin, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("synthesizer %s produced no audio", s.Bin)
	}
	return stdout.Bytes(), nil
}
