// Package hfcache scans the mounted HuggingFace hub cache so the control
// plane can tell which model weights are already on disk.
package hfcache

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/mind-ai/mind/pkg/logging"
)

// CachedModel is one fully downloaded model in the hub cache.
type CachedModel struct {
	Name      string  `json:"name"`
	CachePath string  `json:"cache_path"`
	SizeMB    float64 `json:"size_mb"`
	Cached    bool    `json:"cached"`
}

// Scanner walks the hub cache directory.
type Scanner struct {
	fs     afero.Fs
	dir    string
	logger logging.Interface
}

// NewScanner builds a scanner over the given cache directory.
func NewScanner(fs afero.Fs, dir string, logger logging.Interface) *Scanner {
	return &Scanner{fs: fs, dir: dir, logger: logger}
}

// Scan lists every cached model. Hub layout is models--{org}--{name}
// directories; a model counts as cached only when its snapshots directory is
// non-empty, which marks a completed download. A missing cache directory
// yields an empty list.
func (s *Scanner) Scan() []CachedModel {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("dir", s.dir).Warn("Failed to read model cache directory")
		}
		return nil
	}

	var cached []CachedModel
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "models--") {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(entry.Name(), "models--"), "--")
		if len(parts) < 2 {
			continue
		}
		name := strings.Join(parts, "/")

		modelDir := filepath.Join(s.dir, entry.Name())
		snapshots, err := afero.ReadDir(s.fs, filepath.Join(modelDir, "snapshots"))
		if err != nil || len(snapshots) == 0 {
			continue
		}

		size, err := s.directorySize(modelDir)
		if err != nil {
			s.logger.WithError(err).WithField("model", name).Warn("Failed to size cached model")
			continue
		}
		cached = append(cached, CachedModel{
			Name:      name,
			CachePath: modelDir,
			SizeMB:    math.Round(float64(size)/(1024*1024)*100) / 100,
			Cached:    true,
		})
	}

	sort.Slice(cached, func(i, j int) bool { return cached[i].Name < cached[j].Name })
	return cached
}

// Lookup reports whether a model is cached and its size.
func (s *Scanner) Lookup(name string) (CachedModel, bool) {
	for _, m := range s.Scan() {
		if m.Name == name {
			return m, true
		}
	}
	return CachedModel{}, false
}

func (s *Scanner) directorySize(dir string) (int64, error) {
	var total int64
	err := afero.Walk(s.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
