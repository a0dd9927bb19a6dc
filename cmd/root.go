package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/venice-bridge/internal/config"
	"github.com/xkilldash9x/venice-bridge/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagKeys maps command line flags onto configuration keys. A flag only
// overrides the config file and environment when it is set explicitly.
var flagKeys = map[string]string{
	"log-level":       "logger.level",
	"username":        "venice.username",
	"password":        "venice.password",
	"auth-mode":       "venice.auth_mode",
	"host":            "server.host",
	"port":            "server.port",
	"timeout":         "bridge.stream_timeout",
	"browser-timeout": "bridge.wait_timeout",
	"headless":        "browser.headless",
	"debug-browser":   "browser.debug",
	"remote-url":      "browser.remote_url",
}

// NewRootCommand builds a fresh command tree. Each call returns independent
// flag state, which keeps tests isolated from one another.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "venice-bridge",
		Short: "Serve an Ollama compatible API backed by a venice.ai browser session.",
		// Version is set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "venice-bridge"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree under ctx. Cancellation through ctx is a
// clean shutdown and is reported as such.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Shutdown complete")
		return err
	}
	observability.GetLogger().Error("Command execution failed", zap.Error(err))
	return err
}

// initializeConfig reads the config file and environment into v, then binds
// whichever mapped flags the running command defines.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	if f := cmd.Flags().Lookup("no-headless"); f != nil && f.Changed && f.Value.String() == "true" {
		v.Set("browser.headless", false)
	}
	return nil
}

// configFrom returns the configuration stored by the root command's pre-run.
func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
