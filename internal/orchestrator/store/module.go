package store

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the state store to the fx graph and closes it on shutdown.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, lc fx.Lifecycle) (*Store, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating store config: %+v", err)
		}
		s, err := New(config)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Ping(ctx)
			},
			OnStop: func(context.Context) error {
				return s.Close()
			},
		})
		return s, nil
	})
