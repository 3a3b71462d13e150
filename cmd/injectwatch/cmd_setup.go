package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/injectwatch/internal/config"
	"github.com/user/injectwatch/internal/types"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("InjectWatch Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)
		cfg.Storage.Driver = prompt(scanner, "Record storage (jsonl or sqlite)", cfg.Storage.Driver)
		cfg.Feedback.Sensitivity = prompt(scanner, "Default sensitivity (low, medium, high)", cfg.Feedback.Sensitivity)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		name := prompt(scanner, "Profile name (optional)", "")
		if name != "" {
			profile := &types.Profile{
				Name:         name,
				ExpectedSite: types.Site(prompt(scanner, "Expected injection site", string(types.SiteAbdomen))),
			}
			if err := profileStore().Put(context.Background(), profile); err != nil {
				return fmt.Errorf("save profile: %w", err)
			}
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
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
