package catalog

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/logging"
)

// Module provides the catalog to the fx graph.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface, fs afero.Fs) (*Catalog, error) {
		config, err := NewConfig(
			WithViper(v),
			WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating catalog config: %+v", err)
		}
		return New(config, fs)
	})
