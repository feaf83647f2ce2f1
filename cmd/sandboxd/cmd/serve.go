package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hkuds/sandboxd/internal/config"
	"github.com/hkuds/sandboxd/internal/gateway"
	"github.com/hkuds/sandboxd/internal/logging"
	"github.com/hkuds/sandboxd/internal/sandbox"
)

const cleanupTimeout = 2 * time.Minute

var (
	serveHost     string
	servePort     int
	serveLogLevel string
	serveLogJSON  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox gateway",
	Long: `Start the HTTP and WebSocket gateway. Clients spawn, reset and terminate
containers over HTTP and attach to their shells over WebSocket.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (overrides config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "write logs as JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	log, err := logging.Setup(cfg.Log.Level, cfg.Log.JSON, os.Stderr)
	if err != nil {
		return err
	}

	engine, err := sandbox.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer engine.Close()

	manager := sandbox.NewManager(engine, sandboxConfig(cfg), log)
	server := gateway.NewServer(manager, gatewayOptions(cfg), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := manager.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("Docker daemon is not reachable, spawns will fail until it is")
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return manager.RunReaper(gctx)
	})

	runErr := g.Wait()
	if runErr != nil && ctx.Err() == nil {
		log.WithError(runErr).Error("Gateway stopped")
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancelCleanup()
	if err := manager.Shutdown(cleanupCtx); err != nil {
		log.WithError(err).Warn("Failed to clean up some containers")
	}
	log.Info("Goodbye")

	if ctx.Err() != nil {
		return nil
	}
	return runErr
}

// applyServeFlags copies explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Gateway.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = serveLogLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = serveLogJSON
	}
	cfg.Validate()
}

func sandboxConfig(cfg *config.Config) sandbox.SandboxConfig {
	s := cfg.Sandbox
	sc := sandbox.DefaultConfig().
		WithImage(s.DefaultImage).
		WithShell(s.Shell).
		WithNetworkMode(s.NetworkMode).
		WithLimits(s.MemoryMB, s.CPUPercent, s.MaxProcesses).
		WithIdleTimeout(config.Seconds(cfg.Reaper.IdleTimeout), config.Seconds(cfg.Reaper.Interval)).
		WithPullImages(s.PullImages)
	sc.NamePrefix = s.NamePrefix
	sc.StopTimeout = config.Seconds(s.StopTimeout)
	sc.OperationTimeout = config.Seconds(s.OperationTimeout)
	sc.CleanupOnExit = s.CleanupOnExit
	return sc
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	return gateway.Options{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		PathPrefix:     cfg.Gateway.PathPrefix,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		ReadBufferSize: cfg.Terminal.ReadBufferSize,
		SendQueue:      cfg.Terminal.SendQueue,
		WriteWait:      config.Seconds(cfg.Terminal.WriteWait),
		PongWait:       config.Seconds(cfg.Terminal.PongWait),
		MaxMessageSize: cfg.Terminal.MaxMessageSize,
		Version:        Version,
	}
}
