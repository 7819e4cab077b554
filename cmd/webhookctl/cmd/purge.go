package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
)

// purgeCmd deletes terminal deliveries past their retention windows.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old terminal deliveries",
	Long: `Delete success deliveries older than --success-days and failed/dead
deliveries older than --failed-days. Pending and in-flight records are
never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		successDays, _ := cmd.Flags().GetInt("success-days")
		failedDays, _ := cmd.Flags().GetInt("failed-days")

		now := time.Now()
		n, err := delivery.NewStore(pool).Purge(ctx,
			now.AddDate(0, 0, -successDays),
			now.AddDate(0, 0, -failedDays))
		if err != nil {
			return fmt.Errorf("failed to purge deliveries: %w", err)
		}
		fmt.Printf("Purged %d deliveries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().Int("success-days", 7, "retention for successful deliveries")
	purgeCmd.Flags().Int("failed-days", 7, "retention for failed/dead deliveries")
}
