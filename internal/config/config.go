// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from environment variables
// with an optional YAML overlay file.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config aggregates every runtime knob of the daemon. Values come from
// environment variables first; a YAML file named by DEEPDOC_CONFIG may
// override individual scalars.
type Config struct {
	// Worker pool
	MaxConcurrentTasks int           // MAX_CONCURRENT_ANALYSIS_TASKS
	QueueMaxSize       int           // ANALYSIS_QUEUE_MAX_SIZE
	TaskTimeout        time.Duration // ANALYSIS_TASK_TIMEOUT (seconds)

	// Workflow
	ChapterSubconcurrency int           // CHAPTER_SUBCONCURRENCY
	ChapterRetryMax       int           // CHAPTER_RETRY_MAX
	ChapterBackoffInitial time.Duration // CHAPTER_BACKOFF_INITIAL_SEC
	ChapterBackoffMax     time.Duration // CHAPTER_BACKOFF_MAX_SEC

	// LM vendor
	LMAPIKey         string // LM_VENDOR_API_KEY
	PreferredModel   string // PREFERRED_MODEL
	LMRequestsPerSec int    // LM_REQUESTS_PER_SEC (client-side throttle, 0 disables)

	// Source acquisition
	SubtitleCommand string // SUBTITLE_COMMAND (external media tool, empty disables video tasks)
	PDFCommand      string // PDF_COMMAND (external renderer, empty disables pdf downloads)

	// Auth
	BearerToken string // AUTH_BEARER_TOKEN

	// Storage roots
	ArtifactRoot string // ARTIFACT_ROOT
	TrashRoot    string // TRASH_ROOT
	TTSCacheRoot string // TTS_CACHE_ROOT
	IndexRoot    string // INDEX_ROOT (badger lookup journal)

	// Upload limits
	MaxTextFileSize   int64 // MAX_TEXT_FILE_SIZE
	MaxBinaryFileSize int64 // MAX_BINARY_FILE_SIZE

	// TTS
	TTSCommand      string // TTS_COMMAND (external synthesizer, empty disables)
	TTSVoice        string // TTS_DEFAULT_VOICE
	TTSLanguage     string // TTS_DEFAULT_LANGUAGE
	TTSMaxTextRunes int    // TTS_MAX_TEXT_RUNES
	TTSChunkRunes   int    // TTS_CHUNK_RUNES

	// Task registry
	TaskRetention time.Duration // TASK_RETENTION_HOURS

	// HTTP
	ListenAddr      string // LISTEN_ADDR
	SubmitPerMinute int    // SUBMIT_RATE_PER_MINUTE (per-IP, 0 disables)

	// Logging
	LogLevel string // LOG_LEVEL
}

// Defaults mirrors the documented default for every knob.
func Defaults() Config {
	return Config{
		MaxConcurrentTasks:    3,
		QueueMaxSize:          100,
		TaskTimeout:           3600 * time.Second,
		ChapterSubconcurrency: 5,
		ChapterRetryMax:       3,
		ChapterBackoffInitial: 2 * time.Second,
		ChapterBackoffMax:     60 * time.Second,
		PreferredModel:        "claude-sonnet-4-5",
		LMRequestsPerSec:      5,
		SubtitleCommand:       "yt-dlp --skip-download --write-auto-subs --sub-format vtt -o - {url}",
		ArtifactRoot:          "data/artifacts",
		TrashRoot:             "data/trash",
		TTSCacheRoot:          "data/tts-cache",
		IndexRoot:             "data/index",
		MaxTextFileSize:       10 << 20,
		MaxBinaryFileSize:     50 << 20,
		TTSVoice:              "zh-CN-XiaoxiaoNeural",
		TTSLanguage:           "zh-CN",
		TTSMaxTextRunes:       60000,
		TTSChunkRunes:         1800,
		TaskRetention:         24 * time.Hour,
		ListenAddr:            ":8080",
		SubmitPerMinute:       30,
		LogLevel:              "info",
	}
}

// FromEnv builds a Config from the process environment, applying the
// optional YAML overlay named by DEEPDOC_CONFIG before validation.
func FromEnv() (Config, error) {
	d := Defaults()
	cfg := Config{
		MaxConcurrentTasks:    ParseInt("MAX_CONCURRENT_ANALYSIS_TASKS", d.MaxConcurrentTasks),
		QueueMaxSize:          ParseInt("ANALYSIS_QUEUE_MAX_SIZE", d.QueueMaxSize),
		TaskTimeout:           ParseSeconds("ANALYSIS_TASK_TIMEOUT", d.TaskTimeout),
		ChapterSubconcurrency: ParseInt("CHAPTER_SUBCONCURRENCY", d.ChapterSubconcurrency),
		ChapterRetryMax:       ParseInt("CHAPTER_RETRY_MAX", d.ChapterRetryMax),
		ChapterBackoffInitial: ParseSeconds("CHAPTER_BACKOFF_INITIAL_SEC", d.ChapterBackoffInitial),
		ChapterBackoffMax:     ParseSeconds("CHAPTER_BACKOFF_MAX_SEC", d.ChapterBackoffMax),
		LMAPIKey:              ParseString("LM_VENDOR_API_KEY", ""),
		PreferredModel:        ParseString("PREFERRED_MODEL", d.PreferredModel),
		LMRequestsPerSec:      ParseInt("LM_REQUESTS_PER_SEC", d.LMRequestsPerSec),
		SubtitleCommand:       ParseString("SUBTITLE_COMMAND", d.SubtitleCommand),
		PDFCommand:            ParseString("PDF_COMMAND", d.PDFCommand),
		BearerToken:           ParseString("AUTH_BEARER_TOKEN", ""),
		ArtifactRoot:          ParseString("ARTIFACT_ROOT", d.ArtifactRoot),
		TrashRoot:             ParseString("TRASH_ROOT", d.TrashRoot),
		TTSCacheRoot:          ParseString("TTS_CACHE_ROOT", d.TTSCacheRoot),
		IndexRoot:             ParseString("INDEX_ROOT", d.IndexRoot),
		MaxTextFileSize:       ParseBytes("MAX_TEXT_FILE_SIZE", d.MaxTextFileSize),
		MaxBinaryFileSize:     ParseBytes("MAX_BINARY_FILE_SIZE", d.MaxBinaryFileSize),
		TTSCommand:            ParseString("TTS_COMMAND", ""),
		TTSVoice:              ParseString("TTS_DEFAULT_VOICE", d.TTSVoice),
		TTSLanguage:           ParseString("TTS_DEFAULT_LANGUAGE", d.TTSLanguage),
		TTSMaxTextRunes:       ParseInt("TTS_MAX_TEXT_RUNES", d.TTSMaxTextRunes),
		TTSChunkRunes:         ParseInt("TTS_CHUNK_RUNES", d.TTSChunkRunes),
		TaskRetention:         time.Duration(ParseInt("TASK_RETENTION_HOURS", 24)) * time.Hour,
		ListenAddr:            ParseString("LISTEN_ADDR", d.ListenAddr),
		SubmitPerMinute:       ParseInt("SUBMIT_RATE_PER_MINUTE", d.SubmitPerMinute),
		LogLevel:              ParseString("LOG_LEVEL", d.LogLevel),
	}

	if path := ParseString("DEEPDOC_CONFIG", ""); path != "" {
		if err := applyFileOverlay(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSIS_TASKS must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.QueueMaxSize < 1 {
		return fmt.Errorf("ANALYSIS_QUEUE_MAX_SIZE must be >= 1, got %d", c.QueueMaxSize)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TASK_TIMEOUT must be positive")
	}
	if c.ChapterSubconcurrency < 1 {
		return fmt.Errorf("CHAPTER_SUBCONCURRENCY must be >= 1, got %d", c.ChapterSubconcurrency)
	}
	if c.ChapterBackoffInitial > c.ChapterBackoffMax {
		return fmt.Errorf("CHAPTER_BACKOFF_INITIAL_SEC exceeds CHAPTER_BACKOFF_MAX_SEC")
	}
	if c.ArtifactRoot == "" || c.TrashRoot == "" || c.TTSCacheRoot == "" {
		return fmt.Errorf("storage roots must be non-empty")
	}
	if filepath.Clean(c.ArtifactRoot) == filepath.Clean(c.TrashRoot) {
		return fmt.Errorf("ARTIFACT_ROOT and TRASH_ROOT must differ")
	}
	if c.TTSChunkRunes < 200 {
		return fmt.Errorf("TTS_CHUNK_RUNES must be >= 200, got %d", c.TTSChunkRunes)
	}
	return nil
}
