// SPDX-License-Identifier: MIT

package derived

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/store/mdmeta"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/tts"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
)

// debounceWindow coalesces the create/write event bursts a single
// artifact commit produces.
const debounceWindow = 500 * time.Millisecond

// Options wires a Pipeline.
type Options struct {
	Store     *store.Store
	Visual    *VisualGenerator
	Processed *ProcessedSet
	// TTS may be nil when no synthesizer is configured; audio pregen is
	// then skipped.
	TTS      *tts.Service
	Voice    string
	Language string
}

// Pipeline watches the artifact root and schedules sibling generation on
// two dedicated single-worker pools, one per kind, so a slow visual
// render never starves audio pregen and vice versa.
type Pipeline struct {
	opts       Options
	visualPool *workerpool.Pool
	ttsPool    *workerpool.Pool

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// NewPipeline builds the pipeline and its pools. Start runs them.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		opts: opts,
		visualPool: workerpool.New(workerpool.Options{
			Workers:        1,
			QueueSize:      64,
			DefaultTimeout: 10 * time.Minute,
			Name:           "visual-pool",
		}),
		ttsPool: workerpool.New(workerpool.Options{
			Workers:        1,
			QueueSize:      64,
			DefaultTimeout: 30 * time.Minute,
			Name:           "tts-pool",
		}),
		debounce: make(map[string]*time.Timer),
	}
}

// Start launches the pools, reconciles existing artifacts and runs the
// watcher loop until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	logger := log.WithComponent("derived")
	p.visualPool.Start(ctx)
	p.ttsPool.Start(ctx)

	p.cleanStrays()
	p.reconcile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	root := p.opts.Store.Root()
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", root, err)
	}
	// Hash directories are one level deep; watch the ones that already
	// exist, new ones are added as their create events arrive.
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(root, e.Name()))
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				p.handleEvent(watcher, event)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(werr).Msg("artifact watcher error")
			}
		}
	}()
	logger.Info().Str(log.FieldPath, root).Msg("artifact watcher started")
	return nil
}

// Shutdown drains both pools.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if err := p.visualPool.Shutdown(ctx); err != nil {
		return err
	}
	return p.ttsPool.Shutdown(ctx)
}

func (p *Pipeline) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		// New hash directory: watch it for version files.
		_ = watcher.Add(event.Name)
		return
	}
	if filepath.Ext(event.Name) != ".md" {
		return
	}
	p.debounced(event.Name, func() {
		p.opts.Store.Invalidate("watcher")
		p.schedule(event.Name)
	})
}

// debounced runs fn after the event burst for path settles.
func (p *Pipeline) debounced(path string, fn func()) {
	p.debounceMu.Lock()
	defer p.debounceMu.Unlock()
	if t, ok := p.debounce[path]; ok {
		t.Stop()
	}
	p.debounce[path] = time.AfterFunc(debounceWindow, func() {
		p.debounceMu.Lock()
		delete(p.debounce, path)
		p.debounceMu.Unlock()
		fn()
	})
}

// key is the processed-set identity of an artifact file.
func (p *Pipeline) key(path string) string {
	rel, err := filepath.Rel(p.opts.Store.Root(), path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// schedule queues visual and TTS follow-ons for one artifact file.
func (p *Pipeline) schedule(path string) {
	logger := log.WithComponent("derived")
	key := p.key(path)

	htmlPath := strings.TrimSuffix(path, ".md") + ".html"
	if p.opts.Processed.Contains(key) {
		if _, err := os.Stat(htmlPath); err != nil {
			// Disk is truth: the sibling vanished, regenerate.
			_ = p.opts.Processed.Remove(key)
		}
	}
	if !p.opts.Processed.Contains(key) {
		p.submitVisual(path, htmlPath, key)
	}

	if p.opts.TTS != nil {
		p.submitTTS(path)
	}
	logger.Debug().Str(log.FieldPath, key).Msg("derived jobs scheduled")
}

func (p *Pipeline) submitVisual(path, htmlPath, key string) {
	logger := log.WithComponent("derived")
	err := p.visualPool.Submit(workerpool.Task{
		ID:       uuid.NewString(),
		Type:     taskbus.TypeVisual,
		Priority: taskbus.PriorityLow,
		Run: func(ctx context.Context) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := p.opts.Visual.Generate(ctx, raw, htmlPath); err != nil {
				return err
			}
			return p.opts.Processed.Add(key)
		},
		OnDone: func(outcome workerpool.Outcome, err error) {
			metrics.DerivedJobsTotal.WithLabelValues("visual_html", string(outcome)).Inc()
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldPath, key).Msg("visual generation failed")
			}
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldPath, key).Msg("visual job rejected")
	}
}

func (p *Pipeline) submitTTS(path string) {
	logger := log.WithComponent("derived")
	docHash := filepath.Base(filepath.Dir(path))
	err := p.ttsPool.Submit(workerpool.Task{
		ID:       uuid.NewString(),
		Type:     taskbus.TypeTTSPregen,
		Priority: taskbus.PriorityLow,
		Run: func(ctx context.Context) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, body, perr := mdmeta.Parse(raw)
			if perr != nil {
				body = raw
			}
			req, _ := p.opts.TTS.Prepare(docHash, p.opts.Voice, p.opts.Language, string(body))
			return p.opts.TTS.Generate(ctx, req, func(tts.Event) {})
		},
		OnDone: func(outcome workerpool.Outcome, err error) {
			metrics.DerivedJobsTotal.WithLabelValues("tts_audio", string(outcome)).Inc()
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldDocHash, docHash).Msg("tts pregen failed")
			}
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldDocHash, docHash).Msg("tts pregen rejected")
	}
}

// reconcile walks existing artifacts at startup and schedules whatever
// siblings are missing.
func (p *Pipeline) reconcile() {
	root := p.opts.Store.Root()
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		p.schedule(path)
		return nil
	})
}

// cleanStrays removes temp files left by interrupted sibling writes.
func (p *Pipeline) cleanStrays() {
	root := p.opts.Store.Root()
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			_ = os.Remove(path)
		}
		return nil
	})
}
