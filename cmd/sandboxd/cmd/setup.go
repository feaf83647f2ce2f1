package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/sandboxd/internal/config"
	"github.com/hkuds/sandboxd/internal/tui"
)

var setupDefaults bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run interactive setup wizard",
	Long:  "Run the interactive setup wizard to configure the gateway, container defaults and logging.",
	RunE:  runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupDefaults, "defaults", false, "write the default config without prompting")
}

func runSetup(cmd *cobra.Command, args []string) error {
	if setupDefaults {
		if err := config.InitConfig(configPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Println("Config ready at", displayConfigPath())
		return nil
	}

	base, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := tui.RunSetup(base, configPath); err != nil {
		if errors.Is(err, tui.ErrSetupCancelled) {
			fmt.Println("Setup cancelled, nothing was saved.")
			return nil
		}
		return fmt.Errorf("setup failed: %w", err)
	}

	fmt.Println()
	fmt.Println("You can now:")
	fmt.Println("  - Start the gateway:   sandboxd serve")
	fmt.Println("  - Spawn a container:   sandboxd spawn <challengeId>")
	fmt.Println("  - View full status:    sandboxd status")

	return nil
}

func displayConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GetConfigPath()
}
