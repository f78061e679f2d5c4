// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepdoc-ai/deepdoc/internal/app"
	"github.com/deepdoc-ai/deepdoc/internal/llm"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/tts"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
	"github.com/deepdoc-ai/deepdoc/internal/workflow"
)

const testToken = "test-token"

const outlineJSON = `{"title_cn":"解读","introduction_paragraph":"引言。","chapters":[{"id":1,"title":"第一章","summary":"概要。"}]}`

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

type fixture struct {
	router *chi.Mux
	store  *store.Store
	reg    *taskbus.Registry
	pool   *workerpool.Pool
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
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
		sctx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = pool.Shutdown(sctx)
	})

	wf := workflow.New(scriptedLM{}, st, workflow.Config{
		Subconcurrency: 2,
		Retry:          llm.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	runner := &app.Runner{
		Registry:      reg,
		Pool:          pool,
		Workflow:      wf,
		Store:         st,
		TaskTimeout:   5 * time.Second,
		MaxTextSize:   1 << 20,
		MaxBinarySize: 1 << 20,
	}
	opts := Options{
		Registry:      reg,
		Pool:          pool,
		Store:         st,
		Runner:        runner,
		BearerToken:   testToken,
		Voice:         "zh-CN-XiaoxiaoNeural",
		Language:      "zh-CN",
		MaxTextSize:   1 << 20,
		MaxBinarySize: 1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{router: NewServer(opts).Router(), store: st, reg: reg, pool: pool}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) waitTerminal(t *testing.T, taskID string) taskbus.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.reg.GetSnapshot(taskID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return taskbus.Task{}
}

func (f *fixture) seedArtifact(t *testing.T) string {
	t.Helper()
	hash, _, err := f.store.Commit(context.Background(),
		store.Canonical{VideoID: "dQw4w9WgXcQ"},
		mdmeta.Fields{
			TitleEN:     "Test Doc",
			TitleCN:     "测试文档",
			UploadDate:  "20260101",
			VideoURL:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			ContentType: "youtube",
		},
		"# 测试文档\n\n正文内容。\n")
	require.NoError(t, err)
	return hash
}

func TestSubmitRequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"task_type": "document"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitDocumentLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "某文档",
		"text":      "全文内容。",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "created", resp.Status)

	snap := f.waitTerminal(t, resp.TaskID)
	require.Equal(t, taskbus.StatusSucceeded, snap.Status, "error: %+v", snap.Error)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+resp.TaskID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var got taskbus.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 100, got.ProgressPct)
	require.NotNil(t, got.Result)
	assert.Equal(t, "解读", got.Result.TitleCN)
}

func TestSubmitUltraDeepReinterprets(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "ultra_deep",
		"doc_hash":  hash,
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	snap := f.waitTerminal(t, resp.TaskID)
	require.Equal(t, taskbus.StatusSucceeded, snap.Status, "error: %+v", snap.Error)
	require.NotNil(t, snap.Result)
	assert.Equal(t, hash, snap.Result.DocHash)
	assert.Equal(t, 2, snap.Result.Version)
}

func TestSubmitReconnectKnownTask(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "某文档",
		"text":      "全文内容。",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"task_id":   created.TaskID,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reconnected", resp.Status)
	assert.Equal(t, created.TaskID, resp.TaskID)
}

func TestSubmitInvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"text":      "标题缺失。",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type":  "youtube",
		"source_url": "https://example.com/not-a-video",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitQueueFullAnswers503(t *testing.T) {
	f := newFixture(t, nil)

	// Occupy the single worker, then fill the whole queue with blockers.
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, f.pool.Submit(workerpool.Task{
		ID:  "blocker-running",
		Run: func(ctx context.Context) error { <-block; return nil },
	}))
	require.Eventually(t, func() bool {
		return f.pool.Stats().InFlight == 1
	}, 2*time.Second, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.pool.Submit(workerpool.Task{
			ID:  fmt.Sprintf("blocker-%d", i),
			Run: func(ctx context.Context) error { <-block; return nil },
		}))
	}

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "满员",
		"text":      "内容。",
	}, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(workflow.KindQueueFull), body.Kind)
}

func TestSnapshotUnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/tasks/nope", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsReplayTerminalTask(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "某文档",
		"text":      "全文内容。",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.TaskID)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+resp.TaskID+"/events", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: result")
}

func TestEventsResumeSkipsReplayed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "某文档",
		"text":      "全文内容。",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.TaskID)

	// Read the full stream once to learn the last sequence number.
	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+resp.TaskID+"/events", nil, false)
	lines := strings.Split(rec.Body.String(), "\n")
	var lastID string
	for _, l := range lines {
		if strings.HasPrefix(l, "id: ") {
			lastID = strings.TrimPrefix(l, "id: ")
		}
	}
	require.NotEmpty(t, lastID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+resp.TaskID+"/events", nil)
	req.Header.Set("Last-Event-ID", lastID)
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	assert.NotContains(t, rec2.Body.String(), "event: progress")
}

func TestCancelTerminalConflicts(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "document",
		"title":     "某文档",
		"text":      "全文内容。",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.TaskID)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+resp.TaskID+"/cancel", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListArtifactsETag(t *testing.T) {
	f := newFixture(t, nil)
	f.seedArtifact(t)

	rec := f.do(t, http.MethodGet, "/api/v1/artifacts", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestAdminRefreshBumpsCacheVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.seedArtifact(t)

	rec := f.do(t, http.MethodGet, "/api/v1/artifacts", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		CacheVersion int64 `json:"cache_version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))

	rec = f.do(t, http.MethodPost, "/api/v1/artifacts/refresh", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/artifacts/refresh", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed struct {
		Documents    int   `json:"documents"`
		CacheVersion int64 `json:"cache_version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.Equal(t, 1, refreshed.Documents)
	assert.Greater(t, refreshed.CacheVersion, listed.CacheVersion)
}

func TestGetArtifactAndMarkdown(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var art struct {
		DocHash  string            `json:"doc_hash"`
		Version  int               `json:"version"`
		Metadata map[string]string `json:"metadata"`
		Body     string            `json:"body"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &art))
	assert.Equal(t, hash, art.DocHash)
	assert.Equal(t, 1, art.Version)
	assert.Equal(t, "测试文档", art.Metadata["title_cn"])
	assert.Contains(t, art.Body, "正文内容")

	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/markdown", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "---\n"))
	assert.Contains(t, rec.Body.String(), "title_cn: 测试文档")

	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/versions/1", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/versions/9", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifactRejectsBadHash(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/artifacts/NOT-A-HASH", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVisualSibling(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/visual", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.store.WriteSibling(hash, 1, "html", []byte("<!DOCTYPE html><html></html>")))
	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/visual", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestPDFWithoutRenderer(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash+"/pdf", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTrashFlow(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodDelete, "/api/v1/artifacts/"+hash, nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/artifacts/"+hash, nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash, nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/trash", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var trash struct {
		Entries []store.TrashEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trash))
	require.Len(t, trash.Entries, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/trash/"+trash.Entries[0].Name+"/restore", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/artifacts/"+hash, nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLookupRequiresVideoID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/lookup", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/lookup?video_id=dQw4w9WgXcQ", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type beepSynth struct{}

func (beepSynth) Synthesize(ctx context.Context, text, voice, language string) ([]byte, error) {
	return []byte("mp3-bytes"), nil
}

func TestTTSWithoutServiceAnswers503(t *testing.T) {
	f := newFixture(t, nil)
	hash := f.seedArtifact(t)
	rec := f.do(t, http.MethodGet, "/api/v1/tts/"+hash+"/status", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTTSGenerateAndStatus(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		cache, err := tts.OpenCache(t.TempDir())
		require.NoError(t, err)
		o.TTS = tts.NewService(cache, beepSynth{}, tts.Options{MaxTextRunes: 60000, ChunkRunes: 1800})
	})
	hash := f.seedArtifact(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tts/"+hash, nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Entries []tts.Meta `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Entries, 1)
	assert.True(t, out.Entries[0].Complete)
	assert.Equal(t, out.Entries[0].TotalChunks, out.Entries[0].ChunksGenerated)

	rec = f.do(t, http.MethodGet, "/api/v1/tts/"+hash+"/status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tts/"+hash+"/stream", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"cached":true`)

	// Stream ids must increase strictly; the terminal event may not reuse
	// a chunk index.
	var ids []int
	for _, line := range strings.Split(body, "\n") {
		if n, ok := strings.CutPrefix(line, "id: "); ok {
			id, err := strconv.Atoi(n)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}
	require.GreaterOrEqual(t, len(ids), 2)
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i])
	}
}
