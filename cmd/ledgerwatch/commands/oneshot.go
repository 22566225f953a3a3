package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledgerwatch/internal/client"
	"ledgerwatch/internal/health"
	"ledgerwatch/internal/ledger"
)

// NewProposeCmd returns the command that asks one node to propose a block
func NewProposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Ask a node to propose a ledger entry",
		Args:  cobra.NoArgs,
		RunE:  runPropose,
	}
	cmd.Flags().String("node", "", "Id of the node that proposes the block")
	cmd.Flags().String("data", "", "Block data")
	_ = cmd.MarkFlagRequired("node")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func runPropose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	defer logger.Close()

	coordinator, err := client.NewCoordinator(cfg.CoordinatorURL, cfg.RequestTimeout, nil)
	if err != nil {
		return err
	}
	reg, err := fetchRegistry(cmd.Context(), coordinator)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	node, _ := cmd.Flags().GetString("node")
	data, _ := cmd.Flags().GetString("data")
	submitter := ledger.NewSubmitter(reg, client.NewNodeClient(nil), cfg.RequestTimeout, logger.Component("proposal"))
	result := submitter.Submit(cmd.Context(), ledger.Request{TargetNodeID: node, Data: data})
	if !result.OK {
		return errors.New(result.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}

// NewLedgerCmd returns the command that prints the committed blocks
func NewLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print the committed ledger",
		Args:  cobra.NoArgs,
		RunE:  runLedger,
	}
}

func runLedger(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	coordinator, err := client.NewCoordinator(cfg.CoordinatorURL, cfg.RequestTimeout, nil)
	if err != nil {
		return err
	}
	blocks, err := ledger.NewView(coordinator).Fetch(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch ledger: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCOMMITTED BY\tCOMMIT TIME\tDATA")
	for i, b := range blocks {
		when := b.RawCommitTime
		if b.HasCommitTime() {
			when = b.CommitTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, b.CommittedBy, when, b.Data)
	}
	return w.Flush()
}

// NewNodesCmd returns the command that lists nodes with a fresh probe
func NewNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes and probe their status",
		Args:  cobra.NoArgs,
		RunE:  runNodes,
	}
}

func runNodes(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	defer logger.Close()

	coordinator, err := client.NewCoordinator(cfg.CoordinatorURL, cfg.RequestTimeout, nil)
	if err != nil {
		return err
	}
	reg, err := fetchRegistry(cmd.Context(), coordinator)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	nodes := reg.Nodes()
	prober := health.NewProber(client.NewNodeClient(nil), cfg.ProbeTimeout, cfg.ProbeConcurrency, logger.Component("health"))
	statuses := prober.ProbeAll(cmd.Context(), nodes)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tADDRESS\tSTATUS")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.ShortKey(), n.Address, statuses[n.ID])
	}
	return w.Flush()
}
