// SPDX-License-Identifier: MIT

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deepdoc-ai/deepdoc/internal/log"
)

const defaultMaxTokens = 8192

// jsonModeInstruction is appended to the system prompt when the caller
// expects structured output.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else. No prose, no markdown fences."

// MessagesAPI is the subset of the Anthropic SDK used for text-only
// prompts, satisfied by *sdk.MessageService and by test doubles.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// BetaMessagesAPI covers prompts referencing uploaded files; file_id
// document sources are only available on the beta Messages surface.
type BetaMessagesAPI interface {
	New(ctx context.Context, body sdk.BetaMessageNewParams, opts ...option.RequestOption) (*sdk.BetaMessage, error)
}

// Anthropic adapts the Claude Messages API to the Client capability.
type Anthropic struct {
	msg   MessagesAPI
	beta  BetaMessagesAPI
	model string
}

// NewAnthropic builds the adapter from an API key and model identifier.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("LM vendor api key is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{msg: &client.Messages, beta: &client.Beta.Messages, model: model}, nil
}

// NewAnthropicWithMessages wires custom Messages implementations (tests).
func NewAnthropicWithMessages(msg MessagesAPI, beta BetaMessagesAPI, model string) *Anthropic {
	return &Anthropic{msg: msg, beta: beta, model: model}
}

// Generate issues one Messages call and returns the concatenated text
// blocks of the response. Requests carrying a file reference go through
// the beta surface; plain text prompts stay on the stable one.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system := req.System
	if req.JSONMode {
		if system != "" {
			system += "\n\n"
		}
		system += jsonModeInstruction
	}

	var (
		out        string
		stopReason string
		err        error
	)
	if req.FileRef != "" {
		out, stopReason, err = a.generateWithFile(ctx, req, system, maxTokens)
	} else {
		out, stopReason, err = a.generateText(ctx, req, system, maxTokens)
	}
	if err != nil {
		return "", classifyVendorError(err)
	}
	if out == "" {
		return "", fmt.Errorf("%w: empty completion (stop_reason=%s)", ErrTransient, stopReason)
	}
	logger := log.WithComponent("llm")
	logger.Debug().
		Int("prompt_chars", len(req.Prompt)).
		Int("completion_chars", len(out)).
		Msg("generation complete")
	return out, nil
}

func (a *Anthropic) generateText(ctx context.Context, req Request, system string, maxTokens int) (string, string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), string(msg.StopReason), nil
}

func (a *Anthropic) generateWithFile(ctx context.Context, req Request, system string, maxTokens int) (string, string, error) {
	doc := sdk.BetaRequestDocumentBlockParam{
		Source: sdk.BetaRequestDocumentBlockSourceUnionParam{
			OfFile: &sdk.BetaFileDocumentSourceParam{FileID: req.FileRef},
		},
	}
	params := sdk.BetaMessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.BetaMessageParam{sdk.NewBetaUserMessage(
			sdk.BetaContentBlockParamUnion{OfDocument: &doc},
			sdk.NewBetaTextBlock(req.Prompt),
		)},
		Betas: []sdk.AnthropicBeta{sdk.AnthropicBetaFilesAPI2025_04_14},
	}
	if system != "" {
		params.System = []sdk.BetaTextBlockParam{{Text: system}}
	}
	msg, err := a.beta.New(ctx, params)
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), string(msg.StopReason), nil
}

// classifyVendorError folds SDK and network errors into the transient /
// fatal taxonomy.
func classifyVendorError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case apiErr.StatusCode == 408:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		default:
			// 400/401/403 and safety refusals are not retryable.
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Unrecognized transport failures are assumed transient.
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
