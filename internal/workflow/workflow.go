// SPDX-License-Identifier: MIT

// Package workflow runs the multi-phase deep-interpretation generation:
// outline, parallel chapters, conclusion, assembly, persist. It owns the
// progress contract (10/25→75/90/100) that streaming clients observe.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepdoc-ai/deepdoc/internal/llm"
	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
	"github.com/deepdoc-ai/deepdoc/internal/source"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
)

// Emitter receives granular progress from the running workflow. The
// taskbus adapter is the production implementation.
type Emitter interface {
	Progress(pct int)
	Log(line string)
}

// Config tunes one workflow instance.
type Config struct {
	// Subconcurrency bounds parallel chapter generation (phase C).
	Subconcurrency int
	// Retry applies to each chapter and to the conclusion call.
	Retry llm.RetryConfig
}

// Input is everything a run needs besides the capabilities.
type Input struct {
	TaskType  taskbus.TaskType
	Content   source.Content
	Canonical store.Canonical
	// Meta seeds the artifact header; TitleCN is filled from the outline.
	Meta mdmeta.Fields
}

// Workflow generates one artifact per Run. Safe for concurrent Runs.
type Workflow struct {
	lm  llm.Client
	st  *store.Store
	cfg Config
}

// New builds a workflow over the given capabilities.
func New(lm llm.Client, st *store.Store, cfg Config) *Workflow {
	if cfg.Subconcurrency <= 0 {
		cfg.Subconcurrency = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = llm.DefaultRetryConfig()
	}
	return &Workflow{lm: lm, st: st, cfg: cfg}
}

// Phase progress anchors.
const (
	pctOutlineStart = 10
	pctOutlineDone  = 25
	pctChaptersDone = 75
	pctConcluded    = 90
	pctCommitted    = 100
)

// Run executes phases B through E (phase A, source preparation, happens
// before submission). On success the artifact is committed and its
// identity returned; on any failure nothing is persisted.
func (w *Workflow) Run(ctx context.Context, in Input, em Emitter) (taskbus.ResultRef, error) {
	logger := log.WithComponentFromContext(ctx, "workflow")
	zero := taskbus.ResultRef{}

	// Phase B: outline.
	if err := ctx.Err(); err != nil {
		return zero, newError("outline", 0, err)
	}
	em.Progress(pctOutlineStart)
	em.Log("outline start")
	phaseStart := time.Now()
	raw, err := w.lm.Generate(ctx, llm.Request{
		System:   systemPrompt,
		Prompt:   outlinePrompt(in.Content),
		FileRef:  in.Content.FileRef,
		Mime:     in.Content.Mime,
		JSONMode: true,
	})
	if err != nil {
		return zero, newError("outline", 1, err)
	}
	outline, err := parseOutline(raw)
	if err != nil {
		return zero, newError("outline", 1, fmt.Errorf("%w: %w", llm.ErrTransient, err))
	}
	metrics.WorkflowPhaseDuration.WithLabelValues("outline").Observe(time.Since(phaseStart).Seconds())
	em.Progress(pctOutlineDone)
	em.Log(fmt.Sprintf("outline ready: %d chapters", len(outline.Chapters)))
	logger.Info().Int("chapters", len(outline.Chapters)).Msg("outline generated")

	// Phase C: chapters, bounded parallelism, deterministic assembly order.
	phaseStart = time.Now()
	bodies, err := w.generateChapters(ctx, in, outline, em)
	if err != nil {
		return zero, err
	}
	metrics.WorkflowPhaseDuration.WithLabelValues("chapters").Observe(time.Since(phaseStart).Seconds())
	em.Progress(pctChaptersDone)

	// Phase D: conclusion + enriched introduction.
	if err := ctx.Err(); err != nil {
		return zero, newError("conclusion", 0, err)
	}
	em.Log("conclusion start")
	phaseStart = time.Now()
	var conclusionRaw string
	attempts, err := llm.WithRetry(ctx, w.cfg.Retry, func(ctx context.Context) error {
		var gerr error
		conclusionRaw, gerr = w.lm.Generate(ctx, llm.Request{
			System: systemPrompt,
			Prompt: conclusionPrompt(outline.TitleCN, bodies),
		})
		return gerr
	})
	if err != nil {
		return zero, newError("conclusion", attempts, err)
	}
	if attempts > 1 {
		metrics.LMRetriesTotal.WithLabelValues("conclusion").Add(float64(attempts - 1))
	}
	conclusion, enrichedIntro := splitConclusion(conclusionRaw)
	metrics.WorkflowPhaseDuration.WithLabelValues("conclusion").Observe(time.Since(phaseStart).Seconds())
	em.Progress(pctConcluded)

	// Phase E: assemble and commit.
	if err := ctx.Err(); err != nil {
		return zero, newError("persist", 0, err)
	}
	intro := outline.Introduction
	if enrichedIntro != "" {
		intro = enrichedIntro
	}
	body := assemble(outline, intro, bodies, conclusion)
	meta := in.Meta
	meta.TitleCN = outline.TitleCN
	if meta.TitleEN == "" {
		meta.TitleEN = outline.TitleCN
	}

	docHash, version, err := w.st.Commit(ctx, in.Canonical, meta, body)
	if err != nil {
		if cause := ctx.Err(); cause != nil {
			return zero, newError("persist", 0, cause)
		}
		return zero, &Error{Kind: KindPersistenceFailed, Stage: "persist", Err: err}
	}
	em.Progress(pctCommitted)
	em.Log(fmt.Sprintf("artifact committed: %s v%d", docHash, version))
	logger.Info().
		Str(log.FieldDocHash, docHash).
		Int(log.FieldVersion, version).
		Msg("workflow complete")
	return taskbus.ResultRef{DocHash: docHash, Version: version, TitleCN: outline.TitleCN}, nil
}

// generateChapters runs phase C. Publication order of logs may
// interleave; the returned slice is ordered by chapter id.
func (w *Workflow) generateChapters(ctx context.Context, in Input, outline *Outline, em Emitter) ([]string, error) {
	total := len(outline.Chapters)
	bodies := make([]string, total)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Subconcurrency)
	for i, ch := range outline.Chapters {
		i, ch := i, ch
		g.Go(func() error {
			var text string
			attempts, err := llm.WithRetry(gctx, w.cfg.Retry, func(ctx context.Context) error {
				var gerr error
				text, gerr = w.lm.Generate(ctx, llm.Request{
					System:  systemPrompt,
					Prompt:  chapterPrompt(in.Content, outline.TitleCN, ch),
					FileRef: in.Content.FileRef,
					Mime:    in.Content.Mime,
				})
				return gerr
			})
			if attempts > 1 {
				metrics.LMRetriesTotal.WithLabelValues("chapters").Add(float64(attempts - 1))
			}
			if err != nil {
				em.Log(fmt.Sprintf("chapter %d failed after %d attempts", ch.ID, attempts))
				return newError("chapters", attempts, err)
			}
			bodies[i] = strings.TrimSpace(text)
			n := done.Add(1)
			// 25% -> 75% scales linearly with completed chapters.
			em.Progress(pctOutlineDone + int(50*n/int64(total)))
			em.Log(fmt.Sprintf("chapter %d/%d done", n, total))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Prefer the cancellation cause of the outer context over the
		// group's internal cancellation.
		if cause := ctx.Err(); cause != nil {
			return nil, newError("chapters", 0, cause)
		}
		return nil, err
	}
	return bodies, nil
}

// assemble joins the document parts in their final reading order.
func assemble(outline *Outline, intro string, bodies []string, conclusion string) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(outline.TitleCN)
	b.WriteString("\n\n")
	if intro != "" {
		b.WriteString(intro)
		b.WriteString("\n\n")
	}
	for _, body := range bodies {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if conclusion != "" {
		b.WriteString(conclusion)
		b.WriteString("\n")
	}
	return b.String()
}
