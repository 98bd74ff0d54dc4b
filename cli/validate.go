package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("fix", false, "Reconcile inconsistent customers")
	validateCmd.Flags().String("customer", "", "Only this customer")
	validateCmd.Flags().Bool("force", false, "With --fix, rewrite aggregates even when consistent")
	validateCmd.Flags().BoolP("verbose", "v", false, "List consistent customers too")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check cached balances against the ledger",
	Long: `Recompute every participating customer's spendable and lifetime totals
from the ledger and compare them with the stored values. With --fix the
stored values are overwritten and a correction entry documents the change.

Exits non-zero when drift is found and not fixed.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	fix, _ := cmd.Flags().GetBool("fix")
	customer, _ := cmd.Flags().GetString("customer")
	force, _ := cmd.Flags().GetBool("force")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if force && !fix {
		return fmt.Errorf("--force requires --fix")
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	ctx := cmd.Context()

	if customer != "" {
		id := ledger.CustomerID(customer)
		if fix {
			res, err := rt.engine.ReconcileCustomer(ctx, id, force)
			if err != nil {
				return err
			}
			printReports(os.Stdout, []kilometers.DriftReport{res.Report})
			if res.Reconciled {
				fmt.Fprintf(os.Stdout, "\nReconciled %s.\n", id)
			} else {
				fmt.Fprintf(os.Stdout, "\n%s is consistent, nothing to do.\n", id)
			}
			return nil
		}
		report, err := rt.engine.ValidateCustomer(ctx, id)
		if err != nil {
			return err
		}
		printReports(os.Stdout, []kilometers.DriftReport{*report})
		return report.Err()
	}

	var summary *kilometers.AuditSummary
	if fix {
		summary, err = rt.engine.ReconcileAll(ctx, force, verbose)
	} else {
		summary, err = rt.engine.ValidateAll(ctx, verbose)
	}
	if err != nil {
		return err
	}

	if len(summary.Details) > 0 {
		printReports(os.Stdout, summary.Details)
		fmt.Fprintln(os.Stdout)
	}
	fmt.Fprintf(os.Stdout, "Customers: %d  consistent: %d  inconsistent: %d\n",
		summary.Total, summary.Consistent, summary.Inconsistent)
	if fix {
		fmt.Fprintf(os.Stdout, "Reconciled: %d\n", summary.Reconciled)
		return nil
	}
	if summary.Inconsistent > 0 {
		return fmt.Errorf("%d customers drifted from the ledger: %w", summary.Inconsistent, ledger.ErrConsistencyDrift)
	}
	return nil
}

func printReports(w io.Writer, reports []kilometers.DriftReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CUSTOMER\tSTORED SPENDABLE\tLEDGER SPENDABLE\tSTORED LIFETIME\tLEDGER LIFETIME\tSTATUS")
	for _, r := range reports {
		status := "ok"
		if !r.Consistent {
			status = "DRIFT " + r.SpendableDiff.String() + " / " + r.LifetimeDiff.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CustomerID,
			r.Stored.Spendable.StringFixed(2), r.Expected.Spendable.StringFixed(2),
			r.Stored.Lifetime.StringFixed(2), r.Expected.Lifetime.StringFixed(2),
			status)
	}
	tw.Flush()
}
