package mediator

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the context mediator to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, st *store.Store, m *metrics.Metrics) (*Mediator, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating mediator config: %+v", err)
		}
		return New(st, m, config), nil
	})
