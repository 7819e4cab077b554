package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/sender"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage the webhook endpoints that receive event deliveries.`,
}

var createEndpointCmd = &cobra.Command{
	Use:   "create [name] [url]",
	Short: "Create a new webhook endpoint",
	Long: `Create a new webhook endpoint.

Example:
  webhookctl endpoint create builds https://ci.example.com/hook \
    --events '{"issue":{"created":true,"updated":true}}' --projects 1,7`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		ep := &endpoint.Endpoint{
			Name:    args[0],
			URL:     args[1],
			Enabled: true,
		}

		mode, _ := cmd.Flags().GetString("mode")
		ep.PayloadMode = mode

		if eventsJSON, _ := cmd.Flags().GetString("events"); eventsJSON != "" {
			var f endpoint.EventFilter
			if err := json.Unmarshal([]byte(eventsJSON), &f); err != nil {
				return fmt.Errorf("invalid --events JSON: %w", err)
			}
			ep.Events = f
		}
		if projects, _ := cmd.Flags().GetInt64Slice("projects"); len(projects) > 0 {
			ep.ProjectIDs = projects
		}
		if userID, _ := cmd.Flags().GetInt64("user"); userID > 0 {
			ep.WebhookUserID = &userID
		}
		if secs, _ := cmd.Flags().GetInt("timeout-seconds"); secs > 0 {
			ep.Timeout = time.Duration(secs) * time.Second
		}
		noVerify, _ := cmd.Flags().GetBool("no-ssl-verify")
		ep.SSLVerify = !noVerify

		ep.Retry = retrypolicy.Default()
		if n, _ := cmd.Flags().GetInt("max-attempts"); n > 0 {
			ep.Retry.MaxAttempts = n
		}
		if secs, _ := cmd.Flags().GetInt("base-delay"); secs > 0 {
			ep.Retry.BaseDelay = time.Duration(secs) * time.Second
		}
		if secs, _ := cmd.Flags().GetInt("max-delay"); secs > 0 {
			ep.Retry.MaxDelay = time.Duration(secs) * time.Second
		}

		if headers, _ := cmd.Flags().GetStringSlice("header"); len(headers) > 0 {
			ep.CustomHeaders = make(map[string]string, len(headers))
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("invalid --header %q, expected key=value", h)
				}
				ep.CustomHeaders[k] = v
			}
		}

		if err := endpoint.NewStore(pool).Create(ctx, ep); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		if outputJSON {
			printOutput(ep)
		} else {
			fmt.Printf("Created endpoint: %s\n", ep.ID)
			fmt.Printf("  Name: %s\n", ep.Name)
			fmt.Printf("  URL: %s\n", ep.URL)
			fmt.Printf("  Mode: %s\n", ep.PayloadMode)
		}
		return nil
	},
}

var listEndpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		eps, err := endpoint.NewStore(pool).List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}

		if outputJSON {
			printOutput(eps)
			return nil
		}
		if len(eps) == 0 {
			fmt.Println("No endpoints configured")
			return nil
		}
		for _, ep := range eps {
			state := "disabled"
			if ep.Enabled {
				state = "enabled"
			}
			fmt.Printf("%s  %-20s %-8s %s\n", ep.ID, ep.Name, state, ep.URL)
		}
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [endpoint-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()

			pool, err := getPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := endpoint.NewStore(pool).SetEnabled(ctx, args[0], enabled); err != nil {
				return fmt.Errorf("failed to update endpoint: %w", err)
			}
			fmt.Printf("Endpoint %s %sd\n", args[0], use)
			return nil
		},
	}
}

var deleteEndpointCmd = &cobra.Command{
	Use:   "delete [endpoint-id]",
	Short: "Delete an endpoint",
	Long: `Delete an endpoint. Its deliveries are kept for audit with status
endpoint_deleted and are never retried.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := endpoint.NewStore(pool).Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete endpoint: %w", err)
		}
		fmt.Printf("Endpoint %s deleted\n", args[0])
		return nil
	},
}

var testEndpointCmd = &cobra.Command{
	Use:   "test [endpoint-id]",
	Short: "Send a test delivery to an endpoint",
	Long: `Send a synthetic test payload to the endpoint and report the result.
The attempt is recorded as a delivery marked is_test.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		pool, err := getPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		endpoints := endpoint.NewStore(pool)
		ep, err := endpoints.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load endpoint: %w", err)
		}

		eventID := uuid.NewString()
		payload, _ := json.Marshal(map[string]any{
			"event_id":   eventID,
			"event_type": "test",
			"action":     "ping",
			"occurred_at": time.Now().UTC().Format(time.RFC3339),
			"test":       true,
		})

		deliveries := delivery.NewStore(pool)
		del := &delivery.Delivery{
			EndpointID:    &ep.ID,
			EventID:       eventID,
			EventType:     "test",
			Action:        "ping",
			Payload:       payload,
			RetrySnapshot: ep.Retry.Snapshot(),
			IsTest:        true,
		}
		if err := deliveries.Create(ctx, del); err != nil {
			return fmt.Errorf("failed to create test delivery: %w", err)
		}

		snd := sender.New(deliveries, endpoints, sender.NewPGCredentialResolver(pool),
			settings.StaticPause(false), "webhookctl-"+uuid.NewString(), logging.New("webhookctl"))
		if err := snd.Send(ctx, del); err != nil {
			return fmt.Errorf("test delivery failed: %w", err)
		}

		result, err := deliveries.Get(ctx, del.ID)
		if err != nil {
			return fmt.Errorf("failed to load test result: %w", err)
		}
		if outputJSON {
			printOutput(result)
		} else {
			fmt.Printf("Test delivery %s: %s\n", result.ID, result.Status)
			if result.HTTPStatus != nil {
				fmt.Printf("  HTTP status: %d\n", *result.HTTPStatus)
			}
			if result.ErrorCode != nil {
				fmt.Printf("  Error: %s\n", *result.ErrorCode)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd)
	endpointCmd.AddCommand(listEndpointsCmd)
	endpointCmd.AddCommand(setEnabledCmd("enable", "Enable an endpoint", true))
	endpointCmd.AddCommand(setEnabledCmd("disable", "Disable an endpoint", false))
	endpointCmd.AddCommand(deleteEndpointCmd)
	endpointCmd.AddCommand(testEndpointCmd)

	createEndpointCmd.Flags().String("mode", endpoint.PayloadModeMinimal, "payload mode (minimal or full)")
	createEndpointCmd.Flags().String("events", "", `event filter JSON, e.g. '{"issue":{"created":true}}'`)
	createEndpointCmd.Flags().Int64Slice("projects", nil, "project id allowlist (empty matches all)")
	createEndpointCmd.Flags().Int64("user", 0, "acting user id for the X-Redmine-API-Key header")
	createEndpointCmd.Flags().Int("timeout-seconds", 0, "per-phase HTTP timeout in seconds")
	createEndpointCmd.Flags().Bool("no-ssl-verify", false, "skip TLS peer verification")
	createEndpointCmd.Flags().Int("max-attempts", 0, "retry attempt cap")
	createEndpointCmd.Flags().Int("base-delay", 0, "retry base delay in seconds")
	createEndpointCmd.Flags().Int("max-delay", 0, "retry delay cap in seconds")
	createEndpointCmd.Flags().StringSlice("header", nil, "custom header key=value (repeatable)")
}
