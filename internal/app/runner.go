// SPDX-License-Identifier: MIT

// Package app connects the transport-facing surfaces to the execution
// substrate: it admits submissions into the task registry, schedules
// them on the worker pool and drives the generation workflow inside the
// granted slot.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/source"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
	"github.com/deepdoc-ai/deepdoc/internal/workflow"
)

// Submission is one admit request from the transport layer. File bytes
// never enter the task registry; they live in the task body closure.
type Submission struct {
	Type      taskbus.TaskType
	Priority  taskbus.Priority
	SourceURL string
	Title     string
	Text      string
	FileName  string
	FileBytes []byte
	// DocHash names the stored document to re-interpret (ultra_deep).
	DocHash string
}

// Runner owns task admission and execution.
type Runner struct {
	Registry *taskbus.Registry
	Pool     *workerpool.Pool
	Workflow *workflow.Workflow
	Store    *store.Store
	// Fetcher may be nil; video submissions are then rejected.
	Fetcher source.SubtitleFetcher
	// Uploader may be nil; binary submissions are then rejected.
	Uploader    llm.Uploader
	TaskTimeout time.Duration

	MaxTextSize   int64
	MaxBinarySize int64
}

var docHashPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// Submit validates, registers and enqueues a task. ErrQueueFull from the
// pool propagates so the transport can answer 503; the half-created
// registry entry is cancelled first.
func (r *Runner) Submit(sub Submission) (string, error) {
	payload, err := r.validate(&sub)
	if err != nil {
		return "", err
	}

	taskID, err := r.Registry.CreateTask(sub.Type, payload, sub.Priority)
	if err != nil {
		return "", err
	}

	err = r.Pool.Submit(workerpool.Task{
		ID:       taskID,
		Type:     sub.Type,
		Priority: sub.Priority,
		Timeout:  r.TaskTimeout,
		Run: func(ctx context.Context) error {
			return r.execute(ctx, taskID, sub)
		},
		OnDone: func(outcome workerpool.Outcome, err error) {
			r.finish(taskID, outcome, err)
		},
	})
	if err != nil {
		_, _ = r.Registry.Cancel(taskID)
		return "", err
	}
	return taskID, nil
}

// validate rejects bad submissions before anything is registered and
// builds the registry payload.
func (r *Runner) validate(sub *Submission) (taskbus.Payload, error) {
	var p taskbus.Payload
	if !sub.Type.Valid() {
		return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
			Err: fmt.Errorf("unknown task type %q", sub.Type)}
	}
	if !sub.Priority.Valid() {
		sub.Priority = taskbus.PriorityNormal
	}
	p.Title = strings.TrimSpace(sub.Title)

	switch sub.Type {
	case taskbus.TypeYouTube:
		id, err := source.ExtractVideoID(sub.SourceURL)
		if err != nil {
			return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit", Err: err}
		}
		if r.Fetcher == nil {
			return p, &workflow.Error{Kind: workflow.KindUnsupportedSource, Stage: "submit",
				Err: errors.New("video sources are not enabled")}
		}
		p.SourceURL = "https://www.youtube.com/watch?v=" + id
	case taskbus.TypePDF, taskbus.TypeDocument:
		if len(sub.FileBytes) == 0 && strings.TrimSpace(sub.Text) == "" {
			return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
				Err: errors.New("file or inline text required")}
		}
		if len(sub.FileBytes) > 0 {
			isText, _, err := source.ValidateUpload(sub.FileName, int64(len(sub.FileBytes)), r.MaxTextSize, r.MaxBinarySize)
			if err != nil {
				return p, &workflow.Error{Kind: workflow.KindUnsupportedSource, Stage: "submit", Err: err}
			}
			if !isText && r.Uploader == nil {
				return p, &workflow.Error{Kind: workflow.KindUnsupportedSource, Stage: "submit",
					Err: errors.New("binary sources are not enabled")}
			}
			if p.Title == "" {
				p.Title = strings.TrimSuffix(sub.FileName, filepath.Ext(sub.FileName))
			}
			p.FileName = sub.FileName
		} else {
			p.Text = sub.Text
		}
		if p.Title == "" {
			return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
				Err: errors.New("title required for file sources")}
		}
	case taskbus.TypeUltraDeep:
		if !docHashPattern.MatchString(sub.DocHash) {
			return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
				Err: fmt.Errorf("malformed doc hash %q", sub.DocHash)}
		}
		if _, err := r.Store.GetLatest(sub.DocHash); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
					Err: fmt.Errorf("unknown document %s", sub.DocHash)}
			}
			return p, err
		}
		p.DocHash = sub.DocHash
	default:
		return p, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "submit",
			Err: fmt.Errorf("task type %q is not submittable", sub.Type)}
	}
	return p, nil
}

// execute runs inside a worker slot: acquire the source, run the
// workflow, publish the outcome.
func (r *Runner) execute(ctx context.Context, taskID string, sub Submission) error {
	ctx = log.ContextWithTaskID(ctx, taskID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.Registry.BindCancel(taskID, cancel); err != nil {
		// Already cancelled while queued.
		return err
	}
	if err := r.Registry.UpdateStatus(taskID, taskbus.StatusRunning); err != nil {
		return err
	}

	in, err := r.prepare(runCtx, taskID, sub)
	if err != nil {
		return err
	}

	em := &busEmitter{registry: r.Registry, taskID: taskID}
	ref, err := r.Workflow.Run(runCtx, *in, em)
	if err != nil {
		return err
	}
	return r.Registry.SetResult(taskID, ref)
}

// prepare implements source acquisition: transcripts for video tasks,
// vendor upload for binary files, passthrough for inline text.
func (r *Runner) prepare(ctx context.Context, taskID string, sub Submission) (*workflow.Input, error) {
	snap, err := r.Registry.GetSnapshot(taskID)
	if err != nil {
		return nil, err
	}
	in := workflow.Input{TaskType: sub.Type}

	switch sub.Type {
	case taskbus.TypeYouTube:
		videoID, err := source.ExtractVideoID(snap.Payload.SourceURL)
		if err != nil {
			return nil, &workflow.Error{Kind: workflow.KindInvalidInput, Stage: "acquire", Err: err}
		}
		_ = r.Registry.AppendLog(taskID, "fetching transcript")
		text, err := r.Fetcher.Fetch(ctx, videoID)
		if err != nil {
			return nil, acquisitionError(err)
		}
		in.Content = source.TextContent(text)
		in.Canonical = store.Canonical{VideoID: videoID}
		in.Meta = mdmeta.Fields{
			TitleEN:     snap.Payload.Title,
			VideoURL:    snap.Payload.SourceURL,
			ContentType: mdmeta.ContentTypeYouTube,
		}

	case taskbus.TypePDF, taskbus.TypeDocument:
		title := source.NormalizeTitle(snap.Payload.Title)
		contentType := mdmeta.ContentTypeDocument
		if sub.Type == taskbus.TypePDF {
			contentType = mdmeta.ContentTypePDF
		}
		if len(sub.FileBytes) > 0 {
			isText, mime, err := source.ValidateUpload(sub.FileName, int64(len(sub.FileBytes)), r.MaxTextSize, r.MaxBinarySize)
			if err != nil {
				return nil, &workflow.Error{Kind: workflow.KindUnsupportedSource, Stage: "acquire", Err: err}
			}
			if isText {
				in.Content = source.TextContent(string(sub.FileBytes))
			} else {
				_ = r.Registry.AppendLog(taskID, "uploading source document")
				fileRef, err := r.Uploader.UploadFile(ctx, sub.FileName, sub.FileBytes, mime)
				if err != nil {
					return nil, acquisitionError(err)
				}
				in.Content = source.MultimodalContent(fileRef, mime, len(sub.FileBytes)/4)
			}
			in.Canonical = store.Canonical{FileBytes: sub.FileBytes, Title: title}
		} else {
			in.Content = source.TextContent(sub.Text)
			in.Canonical = store.Canonical{FileBytes: []byte(sub.Text), Title: title}
		}
		docHash, _ := in.Canonical.DocHash()
		in.Meta = mdmeta.Fields{
			TitleEN:     snap.Payload.Title,
			VideoURL:    "file://" + docHash,
			ContentType: contentType,
		}

	case taskbus.TypeUltraDeep:
		art, err := r.Store.GetLatest(snap.Payload.DocHash)
		if err != nil {
			return nil, acquisitionError(err)
		}
		_ = r.Registry.AppendLog(taskID, fmt.Sprintf("re-interpreting %s v%d", art.DocHash, art.Version))
		in.Content = source.TextContent(art.Body)
		in.Canonical = store.Canonical{Hash: art.DocHash}
		videoURL, _ := art.Header.Get("video_url")
		contentType, _ := art.Header.Get("content_type")
		uploadDate, _ := art.Header.Get("upload_date")
		in.Meta = mdmeta.Fields{
			TitleEN:     art.Header.TitleEN(),
			TitleCN:     art.Header.TitleCN(),
			UploadDate:  uploadDate,
			VideoURL:    videoURL,
			ContentType: contentType,
		}
	}
	return &in, nil
}

// finish maps the pool outcome onto the registry's terminal state.
func (r *Runner) finish(taskID string, outcome workerpool.Outcome, err error) {
	switch outcome {
	case workerpool.OutcomeSucceeded:
		// SetResult already published the terminal event.
	case workerpool.OutcomeTimedOut:
		_ = r.Registry.SetError(taskID, taskbus.ErrorInfo{
			Kind:    workflow.KindTimeout,
			Stage:   "pool",
			Message: "task exceeded its execution deadline",
		})
	default:
		we := workflow.AsError(err)
		_ = r.Registry.SetError(taskID, taskbus.ErrorInfo{
			Kind:     we.Kind,
			Stage:    we.Stage,
			Message:  we.Error(),
			Attempts: we.Attempts,
		})
	}
}

func acquisitionError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &workflow.Error{Kind: workflow.KindCancelled, Stage: "acquire", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &workflow.Error{Kind: workflow.KindTimeout, Stage: "acquire", Err: err}
	}
	return &workflow.Error{Kind: workflow.KindSourceAcquisition, Stage: "acquire", Err: err}
}

// busEmitter forwards workflow progress into the task registry.
type busEmitter struct {
	registry *taskbus.Registry
	taskID   string
}

func (e *busEmitter) Progress(pct int) { _ = e.registry.UpdateProgress(e.taskID, pct) }
func (e *busEmitter) Log(line string)  { _ = e.registry.AppendLog(e.taskID, line) }
