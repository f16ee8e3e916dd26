package hfcache

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/logging"
)

const cacheDirKey = "hf_cache_dir"

// Module provides the cache scanner to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, fs afero.Fs) *Scanner {
		v.SetDefault(cacheDirKey, "/root/.cache/huggingface/hub")
		return NewScanner(fs, v.GetString(cacheDirKey), logger)
	})
