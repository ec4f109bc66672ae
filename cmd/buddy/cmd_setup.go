package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/buddy/internal/types"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive settings wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		current := a.store.Settings()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Buddy Setup Wizard")
		fmt.Println("Press Enter to accept the current value shown in brackets.")
		fmt.Println()

		urls := types.BaseURLs{
			Agent:  prompt(scanner, "Agent service URL", current.BaseURLs.Agent),
			Tools:  prompt(scanner, "Tools service URL", current.BaseURLs.Tools),
			Memory: prompt(scanner, "Memory service URL", current.BaseURLs.Memory),
		}
		autoplay := current.TTSAutoplay
		if v, err := strconv.ParseBool(prompt(scanner, "Autoplay speech (true/false)", strconv.FormatBool(autoplay))); err == nil {
			autoplay = v
		}

		if err := a.store.SetBaseURLs(cmd.Context(), urls); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		if err := a.store.SetTTSAutoplay(cmd.Context(), autoplay); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}

		fmt.Println()
		fmt.Println("Settings saved to", a.cfg.DataDir)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
