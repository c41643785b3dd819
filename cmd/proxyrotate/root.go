package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/axondata/go-proxyrotate"
	"github.com/axondata/go-proxyrotate/internal/config"
	"github.com/axondata/go-proxyrotate/internal/logging"
)

type globalFlags struct {
	configFile string
	envFiles   []string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "proxyrotate",
		Short: "Forward-proxy worker supervisor with upstream rotation",
		Long: `proxyrotate keeps one forward-proxy worker running per configured listen
port, binds each worker to an upstream endpoint from a shared pool, and
rotates that binding on a timer or after a crash.`,
		Version:       proxyrotate.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "proxyrotate.yaml", "config file path (.yaml, .yml or .toml)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "load environment variables from these files first")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override log format (text, json)")

	root.AddCommand(
		newRunCmd(flags),
		newValidateCmd(flags),
		newVersionCmd(),
	)

	return root
}

// load reads the configuration with flag overrides applied and builds the
// logger it describes
func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFile(f.envFiles...); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, nil, err
	}

	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	log, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Writer:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring logging: %w", err)
	}

	return cfg, log, nil
}
