package server

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mind-ai/mind/pkg/configutils"
	"github.com/mind-ai/mind/pkg/logging"
)

// Config holds the configuration for the HTTP server.
type Config struct {
	Logger logging.Interface

	// Host is the listen address; empty binds all interfaces.
	Host string `mapstructure:"orchestrator_host"`
	// Port is the orchestrator API port. The router's gateway proxies the
	// public endpoints to it.
	Port int `mapstructure:"orchestrator_port"`
	// CORSOrigins lists the allowed browser origins; "*" allows all.
	CORSOrigins []string `mapstructure:"cors_origins"`
	// Environment selects gin's mode; "production" disables debug output.
	Environment string `mapstructure:"environment"`
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
		Host:        "0.0.0.0",
		Port:        8001,
		CORSOrigins: []string{"*"},
		Environment: "development",
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

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
