package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantrelay/quantrelay/cmd/quantrelay/commands"
	"github.com/quantrelay/quantrelay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quantrelay",
	Short: "quantrelay - webhook-to-broker deferred dispatch service",
	Long: `quantrelay ingests trading-signal webhooks, authenticates and validates
them, and turns each into broker order placements. Signals arriving outside
market hours are durably queued and replayed at the next session.

Available commands:
  serve  - Start the webhook server and background signal consumer
  queue  - Inspect and maintain the durable signal queue
  genkey - Generate a webhook signing key

Examples:
  quantrelay serve                 # Start the service
  quantrelay queue stats           # Show signal counts per status
  quantrelay queue requeue 42      # Return a failed signal to the queue
  quantrelay queue cleanup         # Prune old terminal signals`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.GenKeyCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
