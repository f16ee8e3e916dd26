package reconcile

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/engine"
	"github.com/mind-ai/mind/internal/orchestrator/router"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the reconciler to the fx graph.
var Module = fx.Provide(
	func(
		v *viper.Viper,
		logger logging.Interface,
		st *store.Store,
		supervisor *docker.Supervisor,
		eng *engine.Engine,
		gen *router.Generator,
		cat *catalog.Catalog,
	) (*Reconciler, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating reconciler config: %+v", err)
		}
		return New(st, supervisor, eng, gen, cat, config), nil
	})
