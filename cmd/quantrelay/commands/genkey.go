package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantrelay/quantrelay/webhook"
)

// GenKeyCmd generates a webhook signing key for out-of-band issuance.
var GenKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a webhook signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		length, _ := cmd.Flags().GetInt("bytes")
		key, err := webhook.GenerateAPIKey(length)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	GenKeyCmd.Flags().Int("bytes", 32, "Key length in bytes before hex encoding")
}
