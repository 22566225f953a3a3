// Package commands holds the ledgerwatch command line.
package commands

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgerwatch/internal/client"
	"ledgerwatch/internal/config"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/registry"
)

// NewRootCmd builds the ledgerwatch command tree. Without a subcommand it
// behaves like watch.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "ledgerwatch",
		Short:            "Observe and drive a ledger cluster through its coordinator",
		SilenceUsage:     true,
		TraverseChildren: true,
		RunE:             runWatch,
	}
	addGlobalFlags(cmd)
	addWatchFlags(cmd)

	cmd.AddCommand(
		NewWatchCmd(),
		NewProposeCmd(),
		NewLedgerCmd(),
		NewNodesCmd(),
	)
	return cmd
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("coordinator", "", "Coordinator base URL (overrides LEDGERWATCH_COORDINATOR_URL)")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated by size")
	cmd.PersistentFlags().Duration("timeout", 0, "Timeout of each coordinator request")
}

// loadConfig reads the environment and applies the flags the user set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("coordinator") {
		coordinator, _ := flags.GetString("coordinator")
		cfg.CoordinatorURL = strings.TrimRight(coordinator, "/")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Lookup("api-listen") != nil && flags.Changed("api-listen") {
		cfg.APIListenAddr, _ = flags.GetString("api-listen")
	}
	if flags.Lookup("nats-url") != nil && flags.Changed("nats-url") {
		cfg.NATSURL, _ = flags.GetString("nats-url")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Output: cmd.ErrOrStderr(),
	})
}

// fetchRegistry loads one registry snapshot for the one-shot commands
func fetchRegistry(ctx context.Context, coordinator *client.Coordinator) (*registry.Registry, error) {
	nodes, err := registry.NewSource(coordinator).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	reg.Replace(nodes, time.Now())
	return reg, nil
}
