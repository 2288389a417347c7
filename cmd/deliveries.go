package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Inspect and replay deliveries",
	Long:  "Commands for listing deliveries in the ledger and replaying dead letters.",
}

// -- deliveries list --

var deliveriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		src, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.DeliveryFilter{
			Status: model.DeliveryStatus(status),
			Source: model.Source(src),
			Limit:  limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		list, err := st.ListDeliveries(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "deliveries list")
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No deliveries found.")
			return nil
		}
		formatDeliveries(cmd.OutOrStdout(), list)
		return nil
	},
}

// -- deliveries replay --

var deliveriesReplayCmd = &cobra.Command{
	Use:   "replay <delivery-id>...",
	Short: "Return dead-lettered deliveries to the queue",
	Long:  "Resets each delivery to received with a fresh attempt budget. A running server picks them up on its next due scan.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l := ledger.New(st, resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, cfg.Retry.Multiplier, cfg.Retry.JitterFraction,
		))
		var failed int
		for _, id := range args {
			d, err := l.Replay(ctx, id)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", d.ID, d.Status)
		}
		if failed > 0 {
			return eris.Errorf("%d of %d deliveries not replayed", failed, len(args))
		}
		return nil
	},
}

func formatDeliveries(w io.Writer, list []model.Delivery) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tEVENT\tSTATUS\tATTEMPTS\tRECEIVED\tERROR")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Source, d.EventType, d.Status, d.AttemptCount,
			d.ReceivedAt.Format(time.RFC3339), truncateCell(d.Error, 60),
		)
	}
	_ = tw.Flush()
}

func truncateCell(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	deliveriesListCmd.Flags().String("status", "", "filter by status (received, processing, applied, failed, dead_lettered)")
	deliveriesListCmd.Flags().String("source", "", "filter by source")
	deliveriesListCmd.Flags().Int("limit", 50, "maximum deliveries to list")

	deliveriesCmd.AddCommand(deliveriesListCmd, deliveriesReplayCmd)
	rootCmd.AddCommand(deliveriesCmd)
}
