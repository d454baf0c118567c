package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"giftcard-autopilot-go/internal/db"
	"giftcard-autopilot-go/internal/ledger"
)

// NewStatsCommand creates the stats command
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print purchase and redemption statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			gdb, err := db.Init(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if sqlDB, err := gdb.DB(); err == nil {
				defer sqlDB.Close()
			}

			stats, err := ledger.New(gdb).GetStatistics(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Purchases\t%d (%d completed, %d failed)\n", stats.TotalPurchases, stats.CompletedPurchases, stats.FailedPurchases)
			fmt.Fprintf(w, "Total spent\t$%s\n", stats.TotalSpent.StringFixed(2))
			fmt.Fprintf(w, "Purchase success rate\t%.1f%%\n", stats.PurchaseSuccessRate*100)
			fmt.Fprintf(w, "Codes\t%d (%d redeemed, %d pending, %d failed, %d expired)\n",
				stats.TotalCodes, stats.RedeemedCodes, stats.PendingCodes, stats.FailedCodes, stats.ExpiredCodes)
			fmt.Fprintf(w, "Code value\t$%s ($%s redeemed)\n", stats.TotalCodeValue.StringFixed(2), stats.RedeemedValue.StringFixed(2))
			fmt.Fprintf(w, "Redemption rate\t%.1f%%\n", stats.RedemptionRate*100)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
