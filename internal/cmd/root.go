// Package cmd implements the gridsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Sternrassler/gridsync/internal/config"
	"github.com/Sternrassler/gridsync/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := config.New()
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "gridsync",
		Short: "Reconcile a remote grid toward its goal map",
		Long: `gridsync fetches the goal map and the current map of a remote grid and
issues the create and delete calls needed to make them match. Writes run in
paced batches with retries and a worker count that adapts to throttling.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfigFile(v); err != nil {
				return err
			}
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			logging.Setup(withOutput(loaded.LoggingConfig(), cmd))
			cfg = loaded
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./gridsync.yaml or $HOME/.config/gridsync/gridsync.yaml)")
	flags.String("candidate", "", "candidate id that owns the grid")
	flags.String("base-url", "", "grid service base URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable log output")
	flags.String("metrics-addr", "", "serve /metrics and /health on this address")

	bind(v, root, "config", "config")
	bind(v, root, "api.candidate_id", "candidate")
	bind(v, root, "api.base_url", "base-url")
	bind(v, root, "logging.level", "log-level")
	bind(v, root, "logging.pretty", "pretty")
	bind(v, root, "metrics.addr", "metrics-addr")

	current := func() *config.Config { return cfg }
	root.AddCommand(
		newReconcileCmd(current),
		newPlanCmd(current),
		newClearCmd(current),
		newShowCmd(current),
	)

	return root
}

func bind(v *viper.Viper, root *cobra.Command, key, flag string) {
	_ = v.BindPFlag(key, root.PersistentFlags().Lookup(flag))
}

// readConfigFile loads --config, or the first gridsync.yaml found on the
// search path. A missing default file is not an error.
func readConfigFile(v *viper.Viper) error {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("gridsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "gridsync"))
	}

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func withOutput(cfg logging.Config, cmd *cobra.Command) logging.Config {
	cfg.Output = cmd.ErrOrStderr()
	return cfg
}
