// SPDX-License-Identifier: MIT

// Command daemon runs the deepdoc service: HTTP API, analysis worker
// pool and the derived-artifact pipeline, wired from environment
// configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deepdoc-ai/deepdoc/internal/api"
	"github.com/deepdoc-ai/deepdoc/internal/app"
	"github.com/deepdoc-ai/deepdoc/internal/config"
	"github.com/deepdoc-ai/deepdoc/internal/derived"
	"github.com/deepdoc-ai/deepdoc/internal/llm"
	ddlog "github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/source"
	"github.com/deepdoc-ai/deepdoc/internal/store"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
	"github.com/deepdoc-ai/deepdoc/internal/tts"
	"github.com/deepdoc-ai/deepdoc/internal/workerpool"
	"github.com/deepdoc-ai/deepdoc/internal/workflow"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const janitorInterval = 10 * time.Minute

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("deepdoc %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ddlog.Configure(ddlog.Config{Level: "info", Service: "deepdoc"})
	logger := ddlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	ddlog.Configure(ddlog.Config{Level: cfg.LogLevel, Service: "deepdoc"})

	if cfg.LMAPIKey == "" {
		logger.Fatal().Str("event", "config.invalid").Msg("LM_VENDOR_API_KEY is required")
	}

	journal, err := store.OpenJournal(filepath.Join(cfg.IndexRoot, "journal"))
	if err != nil {
		logger.Fatal().Err(err).Str("event", "journal.open_failed").Msg("failed to open lookup journal")
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error().Err(err).Msg("journal close failed")
		}
	}()

	st, err := store.Open(store.Options{
		ArtifactRoot: cfg.ArtifactRoot,
		TrashRoot:    cfg.TrashRoot,
		TTSCacheRoot: cfg.TTSCacheRoot,
		Journal:      journal,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("failed to open artifact store")
	}

	var lm llm.Client
	anthropic, err := llm.NewAnthropic(cfg.LMAPIKey, cfg.PreferredModel)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "lm.init_failed").Msg("failed to build LM client")
	}
	lm = anthropic
	if cfg.LMRequestsPerSec > 0 {
		lm = llm.NewRateLimited(lm, float64(cfg.LMRequestsPerSec), 2*cfg.LMRequestsPerSec)
	}
	uploader, err := llm.NewAnthropicUploader(cfg.LMAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "lm.init_failed").Msg("failed to build upload client")
	}

	reg := taskbus.NewRegistry(taskbus.Options{Retention: cfg.TaskRetention})
	go reg.RunJanitor(ctx, janitorInterval)

	pool := workerpool.New(workerpool.Options{
		Workers:        cfg.MaxConcurrentTasks,
		QueueSize:      cfg.QueueMaxSize,
		DefaultTimeout: cfg.TaskTimeout,
		Name:           "analysis-pool",
	})
	pool.Start(ctx)

	wf := workflow.New(lm, st, workflow.Config{
		Subconcurrency: cfg.ChapterSubconcurrency,
		Retry: llm.RetryConfig{
			MaxAttempts:  cfg.ChapterRetryMax,
			InitialDelay: cfg.ChapterBackoffInitial,
			MaxDelay:     cfg.ChapterBackoffMax,
			Multiplier:   2,
		},
	})

	var fetcher source.SubtitleFetcher
	if cfg.SubtitleCommand != "" {
		f, err := source.NewCommandFetcher(cfg.SubtitleCommand)
		if err != nil {
			logger.Fatal().Err(err).Str("event", "source.init_failed").Msg("invalid SUBTITLE_COMMAND")
		}
		fetcher = f
	} else {
		logger.Warn().Msg("SUBTITLE_COMMAND is empty, video submissions are disabled")
	}

	var ttsService *tts.Service
	if cfg.TTSCommand != "" {
		synth, err := tts.NewCommandSynthesizer(cfg.TTSCommand)
		if err != nil {
			logger.Fatal().Err(err).Str("event", "tts.init_failed").Msg("invalid TTS_COMMAND")
		}
		cache, err := tts.OpenCache(cfg.TTSCacheRoot)
		if err != nil {
			logger.Fatal().Err(err).Str("event", "tts.init_failed").Msg("failed to open tts cache")
		}
		ttsService = tts.NewService(cache, synth, tts.Options{
			MaxTextRunes: cfg.TTSMaxTextRunes,
			ChunkRunes:   cfg.TTSChunkRunes,
		})
	} else {
		logger.Warn().Msg("TTS_COMMAND is empty, audio generation is disabled")
	}

	var renderer derived.Renderer
	if cfg.PDFCommand != "" {
		r, err := derived.NewCommandRenderer(cfg.PDFCommand)
		if err != nil {
			logger.Fatal().Err(err).Str("event", "pdf.init_failed").Msg("invalid PDF_COMMAND")
		}
		renderer = r
	}

	processed, err := derived.LoadProcessedSet(filepath.Join(cfg.IndexRoot, "visual_processed.json"))
	if err != nil {
		logger.Fatal().Err(err).Str("event", "derived.init_failed").Msg("failed to load processed set")
	}
	pipeline := derived.NewPipeline(derived.Options{
		Store:     st,
		Visual:    derived.NewVisualGenerator(lm),
		Processed: processed,
		TTS:       ttsService,
		Voice:     cfg.TTSVoice,
		Language:  cfg.TTSLanguage,
	})
	if err := pipeline.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "derived.start_failed").Msg("failed to start derived pipeline")
	}

	runner := &app.Runner{
		Registry:      reg,
		Pool:          pool,
		Workflow:      wf,
		Store:         st,
		Fetcher:       fetcher,
		Uploader:      uploader,
		TaskTimeout:   cfg.TaskTimeout,
		MaxTextSize:   cfg.MaxTextFileSize,
		MaxBinarySize: cfg.MaxBinaryFileSize,
	}

	server := api.NewServer(api.Options{
		Registry:        reg,
		Pool:            pool,
		Store:           st,
		Runner:          runner,
		TTS:             ttsService,
		PDF:             renderer,
		BearerToken:     cfg.BearerToken,
		Voice:           cfg.TTSVoice,
		Language:        cfg.TTSLanguage,
		SubmitPerMinute: cfg.SubmitPerMinute,
		MaxTextSize:     cfg.MaxTextFileSize,
		MaxBinarySize:   cfg.MaxBinaryFileSize,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("event", "http.listen").Str("addr", cfg.ListenAddr).Msg("serving")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.shutdown").Msg("signal received, draining")
	case err := <-serveErr:
		logger.Fatal().Err(err).Str("event", "http.serve_failed").Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("derived pipeline shutdown failed")
	}
	if err := pool.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error().Err(err).Msg("worker pool drain failed")
	}
	logger.Info().Str("event", "daemon.exit").Msg("server exiting")
}
