package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"ledgerwatch/internal/api"
	"ledgerwatch/internal/client"
	"ledgerwatch/internal/cluster"
	"ledgerwatch/internal/relay"
)

// Lines waiting for the printer. When stdout stalls further lines are
// dropped instead of blocking the cluster state.
const printQueue = 1024

// NewWatchCmd returns the command that follows the cluster until interrupted
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow registry, health, logs and ledger and serve the observer API",
		RunE:  runWatch,
	}
	addWatchFlags(cmd)
	return cmd
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("api-listen", "", "Observer API listen address, empty to disable (overrides LEDGERWATCH_API_LISTEN_ADDR)")
	cmd.Flags().String("nats-url", "", "Relay applied log lines to this NATS server")
	cmd.Flags().Bool("quiet", false, "Do not print log lines to stdout")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	defer logger.Close()
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coordinator, err := client.NewCoordinator(cfg.CoordinatorURL, cfg.RequestTimeout, nil)
	if err != nil {
		return err
	}
	state, err := cluster.New(cfg, cluster.Deps{
		Coordinator: coordinator,
		Nodes:       client.NewNodeClient(nil),
		Registerer:  reg,
		Logger:      logger.Component("cluster"),
	})
	if err != nil {
		return fmt.Errorf("failed to create cluster state: %w", err)
	}

	if cfg.NATSURL != "" {
		rel, err := relay.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger.Component("relay"), reg)
		if err != nil {
			return err
		}
		defer rel.Close()
		sub := state.Subscribe(rel.Handle)
		defer sub.Cancel()
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		lines := make(chan string, printQueue)
		sub := state.Subscribe(func(u cluster.Update) {
			if u.Kind != cluster.UpdateLogLine || len(u.Entries) == 0 {
				return
			}
			e := u.Entries[0]
			select {
			case lines <- fmt.Sprintf("[%s] %s", e.Origin, e.Text):
			default:
			}
		})
		defer sub.Cancel()
		go printLines(ctx, cmd.OutOrStdout(), lines)
	}

	if err := state.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cluster state: %w", err)
	}
	defer state.Stop()

	if cfg.APIListenAddr != "" {
		server := api.NewServer(state, reg, logger.Component("api"))
		if err := server.Start(ctx, cfg.APIListenAddr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.WithError(err).Warn("Error stopping API server")
			}
		}()
	}

	log.WithField("coordinator", cfg.CoordinatorURL).Info("Watching cluster")
	<-ctx.Done()
	log.Info("Shutting down...")
	return nil
}

func printLines(ctx context.Context, out io.Writer, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if _, err := fmt.Fprintln(out, line); err != nil {
				fmt.Fprintln(os.Stderr, "stdout:", err)
				return
			}
		}
	}
}
