package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish and inspect events",
}

// publishEventCmd represents the publish event command
var publishEventCmd = &cobra.Command{
	Use:   "publish [type] [payload-json]",
	Short: "Publish a domain event",
	Long: `Publish a domain event with a JSON payload.

Example:
  tidehookctl event publish order.created '{"order_id":"o-42","total":99.5}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		aggregateID, _ := cmd.Flags().GetString("aggregate-id")
		priority, _ := cmd.Flags().GetString("priority")

		body := map[string]any{
			"type":         args[0],
			"payload":      payload,
			"aggregate_id": aggregateID,
			"priority":     priority,
		}
		out, err := doRequest(http.MethodPost, "/v1/events", body)
		if err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Published event: %v\n", out["event_id"])
		}
		return nil
	},
}

// getEventCmd represents the get event command
var getEventCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show an event and its delivery attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodGet, "/v1/events/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("get event: %w", err)
		}
		if outputJSON {
			printOutput(out)
			return nil
		}
		ev, _ := out["event"].(map[string]any)
		fmt.Printf("Event %v\n", ev["id"])
		fmt.Printf("  Type: %v\n", ev["type"])
		fmt.Printf("  State: %v\n", ev["processing_state"])
		fmt.Printf("  Attempts: %v\n", ev["attempts_count"])
		attempts, _ := out["attempts"].([]any)
		for _, raw := range attempts {
			at, _ := raw.(map[string]any)
			fmt.Printf("  - endpoint=%v attempt=%v status=%v http=%v\n",
				at["endpoint_id"], at["attempt_number"], at["status"], at["response_status"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishEventCmd)
	eventCmd.AddCommand(getEventCmd)

	publishEventCmd.Flags().String("aggregate-id", "", "aggregate id (also the partition key)")
	publishEventCmd.Flags().String("priority", "normal", "event priority (low|normal|high|critical)")
}
