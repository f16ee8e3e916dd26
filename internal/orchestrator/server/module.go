package server

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mind-ai/mind/internal/orchestrator/auth"
	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/engine"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/mediator"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the HTTP server to the fx graph.
var Module = fx.Provide(
	func(
		v *viper.Viper,
		logger logging.Interface,
		zapLogger *zap.Logger,
		eng *engine.Engine,
		med *mediator.Mediator,
		authn *auth.Authenticator,
		st *store.Store,
		supervisor *docker.Supervisor,
		inspector *gpu.Inspector,
		scanner *hfcache.Scanner,
		cat *catalog.Catalog,
	) (*Server, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating server config: %+v", err)
		}
		return New(eng, med, authn, st, supervisor.Runtime(), inspector, scanner, cat, config, zapLogger), nil
	})
