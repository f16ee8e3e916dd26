package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/pkg/configutils"
)

const envPrefix = "MIND"

// legacyEnvAliases maps config keys to the bare environment variable names
// earlier deployments exported, so existing compose files keep working.
var legacyEnvAliases = map[string][]string{
	"auth_username":      {"AUTH_USERNAME"},
	"auth_password_hash": {"AUTH_PASSWORD_HASH"},
	"jwt_secret":         {"JWT_SECRET"},
	"session_timeout":    {"SESSION_TIMEOUT"},
	"hf_token":           {"HF_TOKEN"},
	"redis_host":         {"REDIS_HOST"},
	"redis_port":         {"REDIS_PORT"},
	"nginx_port":         {"NGINX_PORT"},
	"environment":        {"ENVIRONMENT"},
}

func configProvider(cli *cobra.Command) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		v := viper.GetViper()

		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		for key, aliases := range legacyEnvAliases {
			names := append([]string{envPrefix + "_" + strings.ToUpper(key)}, aliases...)
			if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
				return nil, fmt.Errorf("cannot bind environment variable for %s: %w", key, err)
			}
		}

		if err := v.BindPFlag("debug", cli.Flags().Lookup("debug")); err != nil {
			panic(err)
		}

		// The config file is optional; every knob has a default or an
		// environment binding.
		if configFilePath != "" {
			if err := configutils.ResolveAndMergeFile(v, configFilePath); err != nil {
				return nil, fmt.Errorf("cannot read config file: %w", err)
			}
		}

		// Fix the issue where viper.UnmarshalKey only uses read config,
		// neglects environment variables
		for _, key := range v.AllKeys() {
			v.Set(key, v.Get(key))
		}
		return v, nil
	})
}
