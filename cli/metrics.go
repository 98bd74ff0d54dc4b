package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/kilometers-engine/kilometers"
)

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringP("format", "f", "simple", "Output format: simple, detailed or json")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show program totals",
	RunE:  runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "simple", "detailed", "json":
	default:
		return fmt.Errorf("unknown format %q (simple, detailed, json)", format)
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	m, err := rt.engine.MetricsSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	return writeMetrics(os.Stdout, m, format)
}

func writeMetrics(w io.Writer, m *kilometers.ProgramMetrics, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	fmt.Fprintf(w, "Customers:          %d\n", m.TotalCustomers)
	fmt.Fprintf(w, "Spendable balance:  %s (value %s)\n", m.TotalSpendable.StringFixed(2), m.SpendableValue.StringFixed(2))
	fmt.Fprintf(w, "Lifetime earned:    %s\n", m.TotalLifetime.StringFixed(2))
	if format == "simple" {
		return nil
	}

	fmt.Fprintf(w, "Average lifetime:   %s\n", m.AverageLifetime.StringFixed(2))
	fmt.Fprintf(w, "Total redeemed:     %s\n", m.TotalRedeemed.StringFixed(2))
	fmt.Fprintf(w, "Total expired:      %s\n", m.TotalExpired.StringFixed(2))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Last 30 days")
	fmt.Fprintf(w, "  Movements:        %d\n", m.Activity30d.Movements)
	fmt.Fprintf(w, "  Accrued:          %s\n", m.Activity30d.Accrued.StringFixed(2))
	fmt.Fprintf(w, "  Redeemed:         %s\n", m.Activity30d.Redeemed.StringFixed(2))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Promotions, last 90 days")
	fmt.Fprintf(w, "  Bonuses granted:  %d\n", m.Promotions90d.Count)
	fmt.Fprintf(w, "  Points:           %s\n", m.Promotions90d.Points.StringFixed(2))
	fmt.Fprintf(w, "\nGenerated at %s\n", m.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
