package gpu

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the GPU inspector to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface) (*Inspector, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating gpu inspector config: %+v", err)
		}
		return New(config), nil
	})
