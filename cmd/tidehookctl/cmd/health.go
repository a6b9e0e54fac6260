package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Tidehook service",
	Long:  `Check the health of the Tidehook API and its dependencies (store, stream log).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := doRequest(http.MethodGet, "/v1/health", nil)
		if err != nil && out == nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			printOutput(out)
			return nil
		}
		status, _ := out["status"].(string)
		if status == "ok" {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is %s\n", status)
		}
		if checks, ok := out["checks"].(map[string]any); ok {
			for name, result := range checks {
				fmt.Printf("  %s: %v\n", name, result)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
