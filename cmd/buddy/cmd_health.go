package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the agent backend is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		url := a.agentURL(healthPath)
		body, err := a.client.Get(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("agent unreachable: %w", err)
		}
		fmt.Printf("%s: %s\n", url, body)
		return nil
	},
}
