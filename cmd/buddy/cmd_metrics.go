package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/buddy/internal/render"
)

var resetMetrics bool

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().BoolVar(&resetMetrics, "reset", false, "zero all counters")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show cumulative stream metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		if resetMetrics {
			if err := a.store.ResetMetrics(cmd.Context()); err != nil {
				return fmt.Errorf("reset metrics: %w", err)
			}
			fmt.Println("Metrics reset.")
			return nil
		}

		render.Metrics(os.Stdout, a.store.Metrics())
		return nil
	},
}
