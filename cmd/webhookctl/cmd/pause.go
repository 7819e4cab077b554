package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause delivery processing",
	Long: `Pause delivery processing globally. Dispatch and sending become
no-ops until resumed; nothing is lost, records simply wait.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume delivery processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(false)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine processing state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		paused := settings.NewStore(pool).Paused(ctx)
		if outputJSON {
			printOutput(map[string]bool{"paused": paused})
			return nil
		}
		if paused {
			fmt.Println("Delivery processing is PAUSED")
		} else {
			fmt.Println("Delivery processing is running")
		}
		return nil
	},
}

func setPaused(paused bool) error {
	ctx, cancel := cmdContext()
	defer cancel()

	pool, err := getPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := settings.NewStore(pool).SetPaused(ctx, paused); err != nil {
		return fmt.Errorf("failed to update pause flag: %w", err)
	}
	if paused {
		fmt.Println("Delivery processing paused")
	} else {
		fmt.Println("Delivery processing resumed")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}
