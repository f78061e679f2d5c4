// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
	"github.com/deepdoc-ai/deepdoc/internal/workflow"
)

const outlineJSON = `{"title_cn":"解读","introduction_paragraph":"引言。","chapters":[{"id":1,"title":"第一章","summary":"概要。"}]}`

// scriptedLM answers outline/chapter/conclusion calls in sequence.
type scriptedLM struct{}

func (scriptedLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	if req.JSONMode {
		return outlineJSON, nil
	}
	if strings.HasPrefix(req.Prompt, "You are writing chapter") {
		return "## 第一章\n\n正文。", nil
	}
	return "## 核心洞察\n\n洞察。\n<!--intro-->\n新引言。", nil
}

type fakeFetcher struct {
	text string
	err  error
}

func (f fakeFetcher) Fetch(ctx context.Context, videoID string) (string, error) {
	return f.text, f.err
}

func newRunner(t *testing.T, fetch fakeFetcher) (*Runner, *taskbus.Registry) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(store.Options{
		ArtifactRoot: root + "/artifacts",
		TrashRoot:    root + "/trash",
		TTSCacheRoot: root + "/tts",
	})
	require.NoError(t, err)

	reg := taskbus.NewRegistry(taskbus.Options{})
	pool := workerpool.New(workerpool.Options{Workers: 1, QueueSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = pool.Shutdown(shutdownCtx)
	})

	wf := workflow.New(scriptedLM{}, st, workflow.Config{
		Subconcurrency: 2,
		Retry:          llm.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	return &Runner{
		Registry:      reg,
		Pool:          pool,
		Workflow:      wf,
		Store:         st,
		Fetcher:       fetch,
		TaskTimeout:   5 * time.Second,
		MaxTextSize:   1 << 20,
		MaxBinarySize: 1 << 20,
	}, reg
}

func waitTerminal(t *testing.T, reg *taskbus.Registry, taskID string) taskbus.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := reg.GetSnapshot(taskID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return taskbus.Task{}
}

func TestSubmitVideoTaskSucceeds(t *testing.T) {
	r, reg := newRunner(t, fakeFetcher{text: "transcript text"})

	taskID, err := r.Submit(Submission{
		Type:      taskbus.TypeYouTube,
		Priority:  taskbus.PriorityNormal,
		SourceURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	})
	require.NoError(t, err)

	snap := waitTerminal(t, reg, taskID)
	require.Equal(t, taskbus.StatusSucceeded, snap.Status, "error: %+v", snap.Error)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "解读", snap.Result.TitleCN)
	assert.Equal(t, 1, snap.Result.Version)
	assert.Equal(t, 100, snap.ProgressPct)
}

func TestSubmitInlineDocument(t *testing.T) {
	r, reg := newRunner(t, fakeFetcher{})

	taskID, err := r.Submit(Submission{
		Type:     taskbus.TypeDocument,
		Priority: taskbus.PriorityNormal,
		Title:    "某文档",
		Text:     "全文内容。",
	})
	require.NoError(t, err)

	snap := waitTerminal(t, reg, taskID)
	assert.Equal(t, taskbus.StatusSucceeded, snap.Status)
}

func TestSubmitUltraDeepCommitsNextVersion(t *testing.T) {
	r, reg := newRunner(t, fakeFetcher{})

	// Seed v1 through a normal document run.
	firstID, err := r.Submit(Submission{
		Type:  taskbus.TypeDocument,
		Title: "某文档",
		Text:  "全文内容。",
	})
	require.NoError(t, err)
	first := waitTerminal(t, reg, firstID)
	require.Equal(t, taskbus.StatusSucceeded, first.Status)
	require.NotNil(t, first.Result)
	docHash := first.Result.DocHash

	taskID, err := r.Submit(Submission{
		Type:    taskbus.TypeUltraDeep,
		DocHash: docHash,
	})
	require.NoError(t, err)

	snap := waitTerminal(t, reg, taskID)
	require.Equal(t, taskbus.StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, docHash, snap.Result.DocHash)
	assert.Equal(t, first.Result.Version+1, snap.Result.Version)

	art, err := r.Store.GetLatest(docHash)
	require.NoError(t, err)
	assert.Equal(t, snap.Result.Version, art.Version)
}

func TestSubmitUltraDeepRejectsUnknownDocument(t *testing.T) {
	r, _ := newRunner(t, fakeFetcher{})

	_, err := r.Submit(Submission{Type: taskbus.TypeUltraDeep, DocHash: "aaaabbbbcccc"})
	require.Error(t, err)
	assert.Equal(t, workflow.KindInvalidInput, workflow.AsError(err).Kind)

	_, err = r.Submit(Submission{Type: taskbus.TypeUltraDeep, DocHash: "not-a-hash"})
	require.Error(t, err)
	assert.Equal(t, workflow.KindInvalidInput, workflow.AsError(err).Kind)
}

func TestSubmitRejectsBadURL(t *testing.T) {
	r, _ := newRunner(t, fakeFetcher{})
	_, err := r.Submit(Submission{Type: taskbus.TypeYouTube, SourceURL: "https://example.com/nope"})
	require.Error(t, err)
	assert.Equal(t, workflow.KindInvalidInput, workflow.AsError(err).Kind)
}

func TestSubmitRejectsMissingTitle(t *testing.T) {
	r, _ := newRunner(t, fakeFetcher{})
	_, err := r.Submit(Submission{Type: taskbus.TypeDocument, Text: "内容"})
	require.Error(t, err)
	assert.Equal(t, workflow.KindInvalidInput, workflow.AsError(err).Kind)
}

func TestAcquisitionFailureIsStructured(t *testing.T) {
	r, reg := newRunner(t, fakeFetcher{err: errors.New("no captions available")})

	taskID, err := r.Submit(Submission{
		Type:      taskbus.TypeYouTube,
		SourceURL: "https://youtu.be/dQw4w9WgXcQ",
	})
	require.NoError(t, err)

	snap := waitTerminal(t, reg, taskID)
	require.Equal(t, taskbus.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, workflow.KindSourceAcquisition, snap.Error.Kind)
	assert.Equal(t, "acquire", snap.Error.Stage)
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	r, reg := newRunner(t, fakeFetcher{text: "transcript"})

	// Occupy the single worker so the next task stays queued.
	block := make(chan struct{})
	require.NoError(t, r.Pool.Submit(workerpool.Task{
		ID:  "blocker",
		Run: func(ctx context.Context) error { <-block; return nil },
	}))
	defer close(block)

	taskID, err := r.Submit(Submission{
		Type:      taskbus.TypeYouTube,
		SourceURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	})
	require.NoError(t, err)

	accepted, err := reg.Cancel(taskID)
	require.NoError(t, err)
	assert.True(t, accepted)

	snap := waitTerminal(t, reg, taskID)
	assert.Equal(t, taskbus.StatusCancelled, snap.Status)
}
