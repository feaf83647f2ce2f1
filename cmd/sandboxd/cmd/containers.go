package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var spawnImage string

var spawnCmd = &cobra.Command{
	Use:   "spawn <challengeId>",
	Short: "Spawn a sandbox container",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpawn,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <containerId>",
	Short: "Stop and remove a sandbox container",
	Args:  cobra.ExactArgs(1),
	RunE:  runTerminate,
}

var resetCmd = &cobra.Command{
	Use:   "reset <containerId>",
	Short: "Restart a sandbox container in place",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnImage, "image", "", "container image (default from the gateway config)")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	resp, err := client.Spawn(cmd.Context(), args[0], spawnImage)
	if err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}

	fmt.Println(resp.Message)
	fmt.Printf("  Container: %s\n", resp.ContainerID)
	if resp.IPAddress != "" {
		fmt.Printf("  Address:   %s\n", resp.IPAddress)
	}
	fmt.Println()
	fmt.Printf("Attach with: sandboxd attach %s\n", resp.ContainerID)
	return nil
}

func runTerminate(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Terminate(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}
	fmt.Println("Container terminated successfully")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Reset(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	fmt.Println("Container reset successfully")
	return nil
}
