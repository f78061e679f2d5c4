// SPDX-License-Identifier: MIT

package llm

import (
	"bytes"
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	calls  int
	params sdk.MessageNewParams
	reply  string
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.calls++
	f.params = body
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: f.reply}},
		StopReason: "end_turn",
	}, nil
}

type fakeBetaMessages struct {
	calls  int
	params sdk.BetaMessageNewParams
	reply  string
}

func (f *fakeBetaMessages) New(_ context.Context, body sdk.BetaMessageNewParams, _ ...option.RequestOption) (*sdk.BetaMessage, error) {
	f.calls++
	f.params = body
	return &sdk.BetaMessage{
		Content:    []sdk.BetaContentBlockUnion{{Type: "text", Text: f.reply}},
		StopReason: "end_turn",
	}, nil
}

func TestGenerateTextStaysOnStableSurface(t *testing.T) {
	msg := &fakeMessages{reply: "summary"}
	beta := &fakeBetaMessages{reply: "unexpected"}
	a := NewAnthropicWithMessages(msg, beta, "claude-sonnet-4-5")

	out, err := a.Generate(context.Background(), Request{Prompt: "describe", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	assert.Equal(t, 1, msg.calls)
	assert.Zero(t, beta.calls)
	require.Len(t, msg.params.System, 1)
	assert.Equal(t, "be brief", msg.params.System[0].Text)
}

func TestGenerateFileRefRoutesThroughBeta(t *testing.T) {
	msg := &fakeMessages{reply: "unexpected"}
	beta := &fakeBetaMessages{reply: "analysis"}
	a := NewAnthropicWithMessages(msg, beta, "claude-sonnet-4-5")

	out, err := a.Generate(context.Background(), Request{Prompt: "analyze", FileRef: "file_abc123"})
	require.NoError(t, err)
	assert.Equal(t, "analysis", out)
	assert.Zero(t, msg.calls)
	assert.Equal(t, 1, beta.calls)

	require.Len(t, beta.params.Messages, 1)
	blocks := beta.params.Messages[0].Content
	require.Len(t, blocks, 2)
	require.NotNil(t, blocks[0].OfDocument)
	require.NotNil(t, blocks[0].OfDocument.Source.OfFile)
	assert.Equal(t, "file_abc123", blocks[0].OfDocument.Source.OfFile.FileID)
	assert.Contains(t, beta.params.Betas, sdk.AnthropicBetaFilesAPI2025_04_14)
}

func TestGenerateJSONModeAppendsInstruction(t *testing.T) {
	msg := &fakeMessages{reply: `{"ok":true}`}
	a := NewAnthropicWithMessages(msg, &fakeBetaMessages{}, "claude-sonnet-4-5")

	_, err := a.Generate(context.Background(), Request{Prompt: "outline", JSONMode: true})
	require.NoError(t, err)
	require.Len(t, msg.params.System, 1)
	assert.Contains(t, msg.params.System[0].Text, "single valid JSON object")
}

type fakeFiles struct {
	params sdk.BetaFileUploadParams
}

func (f *fakeFiles) Upload(_ context.Context, body sdk.BetaFileUploadParams, _ ...option.RequestOption) (*sdk.FileMetadata, error) {
	f.params = body
	return &sdk.FileMetadata{ID: "file_xyz"}, nil
}

func TestUploadFileReturnsVendorID(t *testing.T) {
	files := &fakeFiles{}
	u := NewAnthropicUploaderWithFiles(files)

	id, err := u.UploadFile(context.Background(), "paper.pdf", []byte("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "file_xyz", id)
	assert.Contains(t, files.params.Betas, sdk.AnthropicBetaFilesAPI2025_04_14)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(files.params.File)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", buf.String())
}
