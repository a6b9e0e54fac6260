package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage webhook endpoints that receive event deliveries.`,
}

// createEndpointCmd represents the create endpoint command
var createEndpointCmd = &cobra.Command{
	Use:   "create [name] [url]",
	Short: "Create a new webhook endpoint",
	Long: `Create a new webhook endpoint subscribed to the given event patterns.

Example:
  tidehookctl endpoint create billing-hooks https://example.com/webhook \
    --secret my-signing-secret-123 --pattern 'order.**'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		patterns, _ := cmd.Flags().GetStringArray("pattern")
		priority, _ := cmd.Flags().GetInt("priority")

		subs := make([]map[string]any, 0, len(patterns))
		for _, p := range patterns {
			subs = append(subs, map[string]any{"pattern": p, "priority": priority, "active": true})
		}
		body := map[string]any{
			"name":          args[0],
			"url":           args[1],
			"secret":        secret,
			"is_active":     true,
			"subscriptions": subs,
		}

		out, err := doRequest(http.MethodPost, "/v1/webhook-endpoints", body)
		if err != nil {
			return fmt.Errorf("create endpoint: %w", err)
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Created endpoint: %v\n", out["id"])
			fmt.Printf("  Name: %v\n", out["name"])
			fmt.Printf("  URL: %v\n", out["url"])
		}
		return nil
	},
}

// listEndpointsCmd represents the list endpoints command
var listEndpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodGet, "/v1/webhook-endpoints", nil)
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		if outputJSON {
			printOutput(out)
			return nil
		}
		eps, _ := out["endpoints"].([]any)
		for _, raw := range eps {
			ep, _ := raw.(map[string]any)
			fmt.Printf("%v  %v  %v  health=%v\n", ep["id"], ep["name"], ep["url"], ep["health"])
		}
		fmt.Printf("%d endpoint(s)\n", len(eps))
		return nil
	},
}

// getEndpointCmd represents the get endpoint command
var getEndpointCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodGet, "/v1/webhook-endpoints/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("get endpoint: %w", err)
		}
		printOutput(out)
		return nil
	},
}

// deleteEndpointCmd represents the delete endpoint command
var deleteEndpointCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Soft-delete a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := doRequest(http.MethodDelete, "/v1/webhook-endpoints/"+args[0], nil); err != nil {
			return fmt.Errorf("delete endpoint: %w", err)
		}
		fmt.Printf("Deleted endpoint %s\n", args[0])
		return nil
	},
}

// testEndpointCmd represents the test endpoint command
var testEndpointCmd = &cobra.Command{
	Use:   "test [id]",
	Short: "Fire a synthetic event at an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodPost, "/v1/webhook-endpoints/"+args[0]+"/test", map[string]any{})
		if err != nil {
			return fmt.Errorf("test endpoint: %w", err)
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Status: %v (http %v, %vms)\n", out["status"], out["response_status"], out["latency_ms"])
		}
		return nil
	},
}

// attemptsCmd represents the attempts command
var attemptsCmd = &cobra.Command{
	Use:   "attempts [id]",
	Short: "List recent delivery attempts for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodGet, "/v1/webhook-endpoints/"+args[0]+"/attempts", nil)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		if outputJSON {
			printOutput(out)
			return nil
		}
		attempts, _ := out["attempts"].([]any)
		for _, raw := range attempts {
			at, _ := raw.(map[string]any)
			fmt.Printf("event=%v attempt=%v status=%v http=%v\n",
				at["event_id"], at["attempt_number"], at["status"], at["response_status"])
		}
		fmt.Printf("%d attempt(s)\n", len(attempts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd)
	endpointCmd.AddCommand(listEndpointsCmd)
	endpointCmd.AddCommand(getEndpointCmd)
	endpointCmd.AddCommand(deleteEndpointCmd)
	endpointCmd.AddCommand(testEndpointCmd)
	endpointCmd.AddCommand(attemptsCmd)

	createEndpointCmd.Flags().String("secret", "", "signing secret (min 16 chars)")
	createEndpointCmd.Flags().StringArray("pattern", []string{"**"}, "subscription pattern (repeatable)")
	createEndpointCmd.Flags().Int("priority", 0, "subscription priority")
}
