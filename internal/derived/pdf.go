// SPDX-License-Identifier: MIT

package derived

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoRenderer is returned when PDF output is requested but no renderer
// is configured.
var ErrNoRenderer = errors.New("no pdf renderer configured")

// Renderer turns a Markdown body into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, markdown []byte) ([]byte, error)
}

// CommandRenderer shells out to an external converter. Markdown goes to
// stdin, PDF bytes come back on stdout.
type CommandRenderer struct {
	Bin  string
	Args []string
}

// NewCommandRenderer parses a command line like
// "pandoc -f markdown -t pdf -o -".
func NewCommandRenderer(command string) (*CommandRenderer, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("empty pdf command")
	}
	return &CommandRenderer{Bin: parts[0], Args: parts[1:]}, nil
}

func (r *CommandRenderer) Render(ctx context.Context, markdown []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Bin, r.Args...) // #nosec G204
	cmd.Stdin = bytes.NewReader(markdown)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdf renderer %s: %w: %s", r.Bin, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("pdf renderer %s produced no output", r.Bin)
	}
	return stdout.Bytes(), nil
}
