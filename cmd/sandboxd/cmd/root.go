package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/sandboxd/internal/config"
	"github.com/hkuds/sandboxd/internal/gateway"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - container sandboxes with browser terminals",
	Long: `sandboxd spawns isolated Docker containers for practice challenges and
bridges an interactive shell inside each one to WebSocket clients.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.sandboxd/config.json)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "gateway URL (default derived from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// gatewayURL resolves the --server flag, falling back to the configured
// listen address.
func gatewayURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	return cfg.ServerURL()
}

func newClient() (*gateway.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	url := gatewayURL(cfg)
	client, err := gateway.NewClient(url)
	if err != nil {
		return nil, "", err
	}
	return client, url, nil
}
