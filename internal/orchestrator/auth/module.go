package auth

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the authenticator to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, st *store.Store) (*Authenticator, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating auth config: %+v", err)
		}
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid auth config: %+v", err)
		}
		return New(config, st), nil
	})
