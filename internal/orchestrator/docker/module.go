package docker

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the container runtime and supervisor to the fx graph.
var Module = fx.Options(
	fx.Provide(NewCLIRuntime),
	fx.Provide(
		func(v *viper.Viper, logger logging.Interface, runtime Runtime) (*Supervisor, error) {
			config, err := NewConfig(
				WithViper(v),
				WithLogger(logger),
			)
			if err != nil {
				return nil, fmt.Errorf("error creating supervisor config: %+v", err)
			}
			return NewSupervisor(runtime, config), nil
		}),
)
