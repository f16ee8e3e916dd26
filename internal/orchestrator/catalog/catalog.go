// Package catalog loads and serves the read-only predefined model catalog.
// Deploy requests are validated and enriched against it, and the reconciler
// consults it before adopting a running container.
package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/pkg/logging"
)

// RecommendedSettings are the engine tuning knobs the catalog suggests for a
// model.
type RecommendedSettings struct {
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty"`
}

// Entry describes one predefined model.
type Entry struct {
	Abbr                string              `json:"abbr"`
	Name                string              `json:"name"`
	Type                model.Type          `json:"type"`
	Quantization        string              `json:"quantization,omitempty"`
	MaxModelLen         int                 `json:"max_model_len,omitempty"`
	RecommendedVRAMMB   int                 `json:"recommended_vram_mb,omitempty"`
	RecommendedSettings RecommendedSettings `json:"recommended_settings,omitempty"`
	Description         string              `json:"description,omitempty"`
}

type catalogFile struct {
	PredefinedModels []Entry `json:"predefined_models"`
}

// Catalog is an in-memory snapshot of models.json, indexed by slug and by
// full model name, optionally refreshed when the file changes.
type Catalog struct {
	fs     afero.Fs
	path   string
	watch  bool
	logger logging.Interface

	mu      sync.RWMutex
	byAbbr  map[string]Entry
	byName  map[string]Entry
	entries []Entry
}

// New loads the catalog from the configured path. A missing file is not an
// error: the catalog is then empty and every deploy is rejected as unknown.
func New(config *Config, fs afero.Fs) (*Catalog, error) {
	c := &Catalog{
		fs:     fs,
		path:   config.Path,
		watch:  config.Watch,
		logger: config.Logger,
		byAbbr: map[string]Entry{},
		byName: map[string]Entry{},
	}
	if err := c.Reload(); err != nil {
		c.logger.WithError(err).WithField("path", c.path).Warn("Predefined model catalog not loaded")
	}
	return c, nil
}

// Reload re-reads models.json and swaps the indexes.
func (c *Catalog) Reload() error {
	raw, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		return err
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return err
	}

	byAbbr := make(map[string]Entry, len(file.PredefinedModels))
	byName := make(map[string]Entry, len(file.PredefinedModels))
	for _, entry := range file.PredefinedModels {
		byAbbr[entry.Abbr] = entry
		byName[entry.Name] = entry
	}

	c.mu.Lock()
	c.byAbbr = byAbbr
	c.byName = byName
	c.entries = file.PredefinedModels
	c.mu.Unlock()

	c.logger.WithField("models", len(file.PredefinedModels)).Info("Loaded predefined model catalog")
	return nil
}

// Lookup returns the entry for a slug, falling back to the full model name.
func (c *Catalog) Lookup(abbr, name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entry, ok := c.byAbbr[abbr]; ok {
		return entry, true
	}
	if name != "" {
		if entry, ok := c.byName[name]; ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// Entries returns the current catalog contents in file order.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Settings are the resolved engine parameters for one deployment.
type Settings struct {
	MaxModelLen          int
	GPUMemoryUtilization float64
	MaxNumSeqs           int
	Quantization         string
	Type                 model.Type
}

// Resolve merges a deploy spec with catalog recommendations and size
// heuristics into the settings the engine container is started with.
func (c *Catalog) Resolve(spec model.Spec) Settings {
	settings := Settings{
		MaxModelLen:          spec.MaxModelLen,
		GPUMemoryUtilization: spec.GPUMemoryUtilization,
		MaxNumSeqs:           spec.MaxNumSeqs,
		Quantization:         spec.Quantization,
		Type:                 spec.Type,
	}
	if settings.MaxModelLen == 0 {
		settings.MaxModelLen = 4096
	}
	if settings.GPUMemoryUtilization == 0 {
		settings.GPUMemoryUtilization = 0.9
	}
	if settings.MaxNumSeqs == 0 {
		settings.MaxNumSeqs = 256
	}

	if entry, ok := c.Lookup(spec.Abbr, spec.Name); ok {
		if entry.MaxModelLen > 0 {
			settings.MaxModelLen = entry.MaxModelLen
		}
		if entry.Quantization != "" {
			settings.Quantization = entry.Quantization
		}
		if entry.Type != "" {
			settings.Type = entry.Type
		}
		if entry.RecommendedSettings.GPUMemoryUtilization > 0 {
			settings.GPUMemoryUtilization = entry.RecommendedSettings.GPUMemoryUtilization
		}
		if entry.RecommendedSettings.MaxNumSeqs > 0 {
			settings.MaxNumSeqs = entry.RecommendedSettings.MaxNumSeqs
		}
		return settings
	}

	// Size heuristics for models absent from the catalog.
	switch {
	case settings.Quantization == "awq" || settings.Quantization == "gptq":
		settings.GPUMemoryUtilization = 0.25
		settings.MaxModelLen = 2048
		settings.MaxNumSeqs = 256
	case settings.Type == model.TypeEmbedding:
		settings.GPUMemoryUtilization = 0.05
		settings.MaxModelLen = 512
		settings.MaxNumSeqs = 1024
	case strings.Contains(strings.ToLower(spec.Name), "7b"):
		settings.GPUMemoryUtilization = 0.5
		settings.MaxModelLen = 4096
		settings.MaxNumSeqs = 128
	case strings.Contains(strings.ToLower(spec.Name), "13b"):
		settings.GPUMemoryUtilization = 0.7
		settings.MaxModelLen = 4096
		settings.MaxNumSeqs = 64
	}

	return settings
}

// Watch reloads the catalog whenever the file changes, until the context is
// cancelled. The containing directory is watched because config mounts
// replace the file by rename.
func (c *Catalog) Watch(ctx context.Context) error {
	if !c.watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return err
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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Base(event.Name) != filepath.Base(c.path) {
					continue
				}
				// Small delay so we don't read a half-written file.
				time.Sleep(1 * time.Second)
				if err := c.Reload(); err != nil {
					c.logger.WithError(err).Error("Failed to reload model catalog")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.WithError(err).Error("Catalog watcher error")
			}
		}
	}()

	return nil
}
