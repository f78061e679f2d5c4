// SPDX-License-Identifier: MIT

package llm

import (
	"bytes"
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Uploader pushes a document to the vendor and returns the file id used
// in multimodal prompts.
type Uploader interface {
	UploadFile(ctx context.Context, filename string, data []byte, mime string) (string, error)
}

// FilesAPI is the subset of the SDK's beta file service the adapter
// needs.
type FilesAPI interface {
	Upload(ctx context.Context, body sdk.BetaFileUploadParams, opts ...option.RequestOption) (*sdk.FileMetadata, error)
}

// AnthropicUploader implements Uploader over the vendor file store.
type AnthropicUploader struct {
	files FilesAPI
}

// NewAnthropicUploader builds the uploader from an API key.
func NewAnthropicUploader(apiKey string) (*AnthropicUploader, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("LM vendor api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicUploader{files: &client.Beta.Files}, nil
}

// NewAnthropicUploaderWithFiles wires a custom file service (tests).
func NewAnthropicUploaderWithFiles(files FilesAPI) *AnthropicUploader {
	return &AnthropicUploader{files: files}
}

func (u *AnthropicUploader) UploadFile(ctx context.Context, filename string, data []byte, mime string) (string, error) {
	meta, err := u.files.Upload(ctx, sdk.BetaFileUploadParams{
		File:  sdk.File(bytes.NewReader(data), filename, mime),
		Betas: []sdk.AnthropicBeta{sdk.AnthropicBetaFilesAPI2025_04_14},
	})
	if err != nil {
		return "", classifyVendorError(err)
	}
	return meta.ID, nil
}
