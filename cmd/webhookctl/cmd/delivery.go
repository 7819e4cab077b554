package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and replay deliveries",
	Long:  `List delivery records, show their attempt history, and replay them.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		f := delivery.ListFilter{}
		f.EndpointID, _ = cmd.Flags().GetString("endpoint")
		f.EventType, _ = cmd.Flags().GetString("event-type")
		f.Status, _ = cmd.Flags().GetString("status")
		f.EventID, _ = cmd.Flags().GetString("event-id")
		f.Limit, _ = cmd.Flags().GetInt("limit")

		dels, err := delivery.NewStore(pool).List(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		if outputJSON {
			printOutput(dels)
			return nil
		}
		if len(dels) == 0 {
			fmt.Println("No deliveries found")
			return nil
		}
		for _, d := range dels {
			status := ""
			if d.HTTPStatus != nil {
				status = fmt.Sprintf(" http=%d", *d.HTTPStatus)
			}
			fmt.Printf("%s  %-16s %-8s attempt=%d%s  %s\n",
				d.ID, d.EventType+"."+d.Action, d.Status, d.AttemptCount, status,
				d.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var showDeliveryCmd = &cobra.Command{
	Use:   "show [delivery-id]",
	Short: "Show one delivery record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		d, err := delivery.NewStore(pool).Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load delivery: %w", err)
		}

		if outputJSON {
			printOutput(d)
			return nil
		}
		fmt.Printf("Delivery %s\n", d.ID)
		fmt.Printf("  Event: %s (%s.%s)\n", d.EventID, d.EventType, d.Action)
		if d.EndpointID != nil {
			fmt.Printf("  Endpoint: %s\n", *d.EndpointID)
		}
		fmt.Printf("  Status: %s (attempts: %d)\n", d.Status, d.AttemptCount)
		if d.HTTPStatus != nil {
			fmt.Printf("  HTTP status: %d\n", *d.HTTPStatus)
		}
		if d.ErrorCode != nil {
			fmt.Printf("  Error: %s\n", *d.ErrorCode)
		}
		if d.ScheduledAt != nil {
			fmt.Printf("  Next attempt: %s\n", d.ScheduledAt.Format(time.RFC3339))
		}
		if d.DeliveredAt != nil {
			fmt.Printf("  Delivered: %s\n", d.DeliveredAt.Format(time.RFC3339))
		}
		if d.ResponseExcerpt != "" {
			fmt.Printf("  Response: %s\n", d.ResponseExcerpt)
		}
		return nil
	},
}

var replayDeliveryCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Replay one delivery",
	Long: `Reset a delivery to pending with a clean attempt history. It keeps
its original payload and retry policy snapshot and will be picked up by
the next due batch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := delivery.NewStore(pool).ResetForReplay(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}
		fmt.Printf("Delivery %s reset for replay\n", args[0])
		return nil
	},
}

var bulkReplayCmd = &cobra.Command{
	Use:   "bulk-replay",
	Short: "Replay all deliveries matching a filter",
	Long: `Reset every delivery matching the filter flags to pending. At least
one filter must be given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		f := delivery.ListFilter{}
		f.EndpointID, _ = cmd.Flags().GetString("endpoint")
		f.EventType, _ = cmd.Flags().GetString("event-type")
		f.Status, _ = cmd.Flags().GetString("status")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if f.EndpointID == "" && f.EventType == "" && f.Status == "" {
			return fmt.Errorf("refusing to replay everything: give at least one of --endpoint, --event-type, --status")
		}

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := delivery.NewStore(pool)
		dels, err := store.List(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		replayed := 0
		for _, d := range dels {
			if err := store.ResetForReplay(ctx, d.ID); err != nil {
				fmt.Printf("  %s: %v\n", d.ID, err)
				continue
			}
			replayed++
		}
		fmt.Printf("Replayed %d of %d deliveries\n", replayed, len(dels))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
	deliveryCmd.AddCommand(showDeliveryCmd)
	deliveryCmd.AddCommand(replayDeliveryCmd)
	deliveryCmd.AddCommand(bulkReplayCmd)

	listDeliveriesCmd.Flags().String("endpoint", "", "filter by endpoint id")
	listDeliveriesCmd.Flags().String("event-type", "", "filter by event type")
	listDeliveriesCmd.Flags().String("status", "", "filter by status")
	listDeliveriesCmd.Flags().String("event-id", "", "filter by event id")
	listDeliveriesCmd.Flags().Int("limit", 50, "maximum rows")

	bulkReplayCmd.Flags().String("endpoint", "", "filter by endpoint id")
	bulkReplayCmd.Flags().String("event-type", "", "filter by event type")
	bulkReplayCmd.Flags().String("status", "", "filter by status")
	bulkReplayCmd.Flags().Int("limit", 500, "maximum deliveries to replay")
}
