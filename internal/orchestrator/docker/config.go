package docker

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mind-ai/mind/pkg/configutils"
	"github.com/mind-ai/mind/pkg/logging"
)

// Config holds the configuration for the container supervisor.
type Config struct {
	Logger logging.Interface

	// Image is the inference engine image every model container runs.
	Image string `mapstructure:"vllm_image"`
	// Network is the user-defined bridge all platform containers share.
	Network string `mapstructure:"docker_network"`

	HostModelsDir string `mapstructure:"host_models_dir"`
	ModelsDir     string `mapstructure:"models_dir"`
	HostCacheDir  string `mapstructure:"host_cache_dir"`
	// HFCacheDir is the HuggingFace hub cache inside the container, passed
	// to the engine as its download dir.
	HFCacheDir string `mapstructure:"hf_cache_dir"`
	HFToken    string `mapstructure:"hf_token"`
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
		Image:         "vllm/vllm-openai:latest",
		Network:       "mind_llm-network",
		HostModelsDir: "./models",
		ModelsDir:     "/models",
		HostCacheDir:  "~/.cache",
		HFCacheDir:    "/root/.cache/huggingface/hub",
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
