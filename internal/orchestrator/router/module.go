package router

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the router generator to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, fs afero.Fs, st *store.Store, runtime docker.Runtime, m *metrics.Metrics) (*Generator, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating router config: %+v", err)
		}
		return NewGenerator(fs, st, runtime, m, config), nil
	})
