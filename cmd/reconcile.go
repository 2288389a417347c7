package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/reconcile"
)

var reconcileDryRun bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <source> <entity_type>",
	Short: "Compare a source snapshot with the canonical store and heal drift",
	Args:  cobra.ExactArgs(2),
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

		reg, err := buildRegistry(ctx, cfg.Sources)
		if err != nil {
			return err
		}
		a, err := buildApp(ctx, cfg, st, reg)
		if err != nil {
			return err
		}

		sum, err := a.reconciler.Run(ctx, model.Source(args[0]), args[1], reconcile.Options{DryRun: reconcileDryRun})
		if err != nil {
			return err
		}
		formatSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func formatSummary(w io.Writer, s *model.ReconciliationSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Source:\t%s/%s\n", s.Source, s.EntityType)
	if s.DryRun {
		fmt.Fprintln(tw, "Mode:\tdry run (nothing written)")
	}
	fmt.Fprintf(tw, "Checked:\t%d\n", s.Checked)
	fmt.Fprintf(tw, "Matched:\t%d\n", s.Matched)
	fmt.Fprintf(tw, "Healed:\t%d\n", s.Healed)
	fmt.Fprintf(tw, "Flagged:\t%d\n", s.Flagged)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Complete snapshot:\t%t\n", s.Complete)
	fmt.Fprintf(tw, "Duration:\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	_ = tw.Flush()
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report what would be healed without writing")
	rootCmd.AddCommand(reconcileCmd)
}
