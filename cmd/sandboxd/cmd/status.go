package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/sandboxd/internal/gateway"
	"github.com/hkuds/sandboxd/internal/tui"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and container status",
	Long:  "Display the gateway health, the sandbox configuration and the running containers.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "show a live container table")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "refresh interval for --watch")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := gatewayURL(cfg)
	client, err := gateway.NewClient(url)
	if err != nil {
		return err
	}

	if statusWatch {
		return tui.RunWatch(client, url, statusInterval)
	}

	report := tui.StatusReport{
		ServerURL:  url,
		ConfigPath: displayConfigPath(),
		Config:     cfg,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		report.GatewayErr = err
		return tui.ShowStatus(report)
	}
	report.Health = health

	list, err := client.List(ctx)
	if err != nil {
		report.GatewayErr = err
	} else {
		report.Containers = list.Containers
	}
	return tui.ShowStatus(report)
}
