package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/sender"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

// processCmd runs one due batch inline, the same work a runner tick
// does. Useful on installs without a runner and for draining manually.
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process the due delivery batch now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		batchSize, _ := cmd.Flags().GetInt("batch-size")

		deliveries := delivery.NewStore(pool)
		settingsStore := settings.NewStore(pool)
		if settingsStore.Paused(ctx) {
			fmt.Println("Delivery processing is paused; nothing done")
			return nil
		}

		batch, err := deliveries.PickDue(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("failed to pick due deliveries: %w", err)
		}
		if len(batch) == 0 {
			fmt.Println("No due deliveries")
			return nil
		}

		snd := sender.New(deliveries, endpoint.NewStore(pool),
			sender.NewPGCredentialResolver(pool), settingsStore,
			"webhookctl-"+uuid.NewString(), logging.New("webhookctl"))

		processed := 0
		for _, del := range batch {
			if err := snd.Send(ctx, del); err != nil {
				fmt.Printf("  %s: %v\n", del.ID, err)
				continue
			}
			processed++
		}
		fmt.Printf("Processed %d of %d due deliveries\n", processed, len(batch))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().Int("batch-size", 50, "maximum deliveries to process")
}
