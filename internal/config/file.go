// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the YAML shape of the optional config file. Every field is
// a pointer so that absent keys leave the env-derived value untouched.
type fileOverlay struct {
	MaxConcurrentTasks    *int    `yaml:"max_concurrent_tasks"`
	QueueMaxSize          *int    `yaml:"queue_max_size"`
	TaskTimeoutSec        *int    `yaml:"task_timeout_sec"`
	ChapterSubconcurrency *int    `yaml:"chapter_subconcurrency"`
	ChapterRetryMax       *int    `yaml:"chapter_retry_max"`
	PreferredModel        *string `yaml:"preferred_model"`
	ArtifactRoot          *string `yaml:"artifact_root"`
	TrashRoot             *string `yaml:"trash_root"`
	TTSCacheRoot          *string `yaml:"tts_cache_root"`
	ListenAddr            *string `yaml:"listen_addr"`
	LogLevel              *string `yaml:"log_level"`
}

func applyFileOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	var o fileOverlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if o.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *o.MaxConcurrentTasks
	}
	if o.QueueMaxSize != nil {
		cfg.QueueMaxSize = *o.QueueMaxSize
	}
	if o.TaskTimeoutSec != nil {
		cfg.TaskTimeout = time.Duration(*o.TaskTimeoutSec) * time.Second
	}
	if o.ChapterSubconcurrency != nil {
		cfg.ChapterSubconcurrency = *o.ChapterSubconcurrency
	}
	if o.ChapterRetryMax != nil {
		cfg.ChapterRetryMax = *o.ChapterRetryMax
	}
	if o.PreferredModel != nil {
		cfg.PreferredModel = *o.PreferredModel
	}
	if o.ArtifactRoot != nil {
		cfg.ArtifactRoot = *o.ArtifactRoot
	}
	if o.TrashRoot != nil {
		cfg.TrashRoot = *o.TrashRoot
	}
	if o.TTSCacheRoot != nil {
		cfg.TTSCacheRoot = *o.TTSCacheRoot
	}
	if o.ListenAddr != nil {
		cfg.ListenAddr = *o.ListenAddr
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	return nil
}
