package catalog

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mind-ai/mind/pkg/configutils"
	"github.com/mind-ai/mind/pkg/logging"
)

// Config holds the configuration for the predefined model catalog.
type Config struct {
	Logger logging.Interface

	// Path points to the models.json file carrying the predefined
	// model catalog.
	Path string `mapstructure:"catalog_path" validate:"required"`

	// Watch enables reloading the catalog when the file changes.
	Watch bool `mapstructure:"catalog_watch"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// Apply applies the given options to the configuration.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Path:  "/app/models.json",
		Watch: true,
	}
}

// NewConfig builds a new configuration from the given options.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{}
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// WithLogger sets the logger for the configuration.
func WithLogger(logger logging.Interface) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithViper reads the configuration from viper.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		*c = *defaultConfig()
		if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
			return fmt.Errorf("error occurred when binding environment variables: %+v", err)
		}
		if err := v.Unmarshal(c); err != nil {
			return fmt.Errorf("error occurred when unmarshalling config: %+v", err)
		}
		return nil
	}
}
