package engine

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/mind-ai/mind/pkg/configutils"
	"github.com/mind-ai/mind/pkg/logging"
)

// Config holds the configuration for the deployment engine.
type Config struct {
	Logger logging.Interface

	// DeployTimeout bounds a single deployment including cold-start weight
	// download.
	DeployTimeout time.Duration `mapstructure:"deploy_timeout"`
	// StopTimeout is the graceful container stop window before force kill.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// TransientRetries is how many times a retryable spawn failure is
	// reattempted before the deployment fails.
	TransientRetries int `mapstructure:"transient_retries"`
	// RetryDelay separates spawn reattempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
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
		DeployTimeout:    20 * time.Minute,
		StopTimeout:      30 * time.Second,
		TransientRetries: 3,
		RetryDelay:       2 * time.Second,
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
