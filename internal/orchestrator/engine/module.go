package engine

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/router"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the deployment engine to the fx graph.
var Module = fx.Provide(
	func(
		v *viper.Viper,
		logger logging.Interface,
		st *store.Store,
		cat *catalog.Catalog,
		supervisor *docker.Supervisor,
		inspector *gpu.Inspector,
		generator *router.Generator,
		scanner *hfcache.Scanner,
		m *metrics.Metrics,
	) (*Engine, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating engine config: %+v", err)
		}
		return New(st, cat, supervisor, inspector, generator, scanner, m, config), nil
	})
