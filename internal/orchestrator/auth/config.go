package auth

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mind-ai/mind/pkg/configutils"
	"github.com/mind-ai/mind/pkg/logging"
)

// Config holds the configuration for the auth subsystem.
type Config struct {
	Logger logging.Interface

	Username     string `mapstructure:"auth_username"`
	PasswordHash string `mapstructure:"auth_password_hash"`
	// JWTSecret signs session tokens and keys API key hashing.
	JWTSecret string `mapstructure:"jwt_secret"`
	// SessionTimeoutHours bounds session token lifetime.
	SessionTimeoutHours int `mapstructure:"session_timeout"`
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
		Username:            "admin",
		SessionTimeoutHours: 24,
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

// Validate rejects configurations that cannot produce secure tokens.
func (c *Config) Validate() error {
	if c.PasswordHash == "" {
		return errors.New("auth_password_hash must be set")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 bytes")
	}
	return nil
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
