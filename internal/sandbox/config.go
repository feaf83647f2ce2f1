package sandbox

import "time"

// Default configuration values.
const (
	DefaultImage            = "parrotsec/security:latest"
	DefaultShell            = "/bin/bash"
	DefaultNamePrefix       = "parrot"
	DefaultNetworkMode      = "bridge"
	DefaultStopTimeout      = 10 * time.Second
	DefaultOperationTimeout = 2 * time.Minute
	DefaultReapInterval     = time.Minute
)

// SandboxConfig holds configuration for spawned sandbox containers.
type SandboxConfig struct {
	// DefaultImage is used when a spawn request does not name an image.
	// Default: parrotsec/security:latest
	DefaultImage string

	// Shell is the interactive command run as the container's main process
	// and inside every terminal exec.
	// Default: /bin/bash
	Shell string

	// NamePrefix is prepended to generated container names.
	// Default: parrot
	NamePrefix string

	// NetworkMode is the engine network mode for new containers.
	// Default: bridge
	NetworkMode string

	// MemoryMB is the memory limit in megabytes. Zero means unlimited.
	MemoryMB int64

	// CPUPercent is the CPU limit as a fraction of one CPU (0.0-1.0).
	// Zero means unlimited.
	CPUPercent float64

	// MaxProcesses is the PID limit inside the container. Zero means unlimited.
	MaxProcesses int64

	// StopTimeout is how long the engine waits before killing a container
	// on stop or restart.
	// Default: 10s
	StopTimeout time.Duration

	// OperationTimeout bounds each individual engine call made on behalf
	// of a request.
	// Default: 2m
	OperationTimeout time.Duration

	// PullImages enables the best-effort image pull on spawn.
	// Default: true
	PullImages bool

	// CleanupOnExit terminates every registered session when the manager
	// shuts down. Sessions do not survive a process restart either way.
	// Default: true
	CleanupOnExit bool

	// IdleTimeout terminates sessions that have had no attachment and no
	// terminal activity for this long. Zero disables reaping.
	IdleTimeout time.Duration

	// ReapInterval is how often idle sessions are checked for.
	// Default: 1m
	ReapInterval time.Duration
}

// DefaultConfig returns a SandboxConfig with sensible defaults.
func DefaultConfig() SandboxConfig {
	return SandboxConfig{
		DefaultImage:     DefaultImage,
		Shell:            DefaultShell,
		NamePrefix:       DefaultNamePrefix,
		NetworkMode:      DefaultNetworkMode,
		StopTimeout:      DefaultStopTimeout,
		OperationTimeout: DefaultOperationTimeout,
		PullImages:       true,
		CleanupOnExit:    true,
		ReapInterval:     DefaultReapInterval,
	}
}

// WithImage returns a copy of the config with the specified default image.
func (c SandboxConfig) WithImage(image string) SandboxConfig {
	c.DefaultImage = image
	return c
}

// WithShell returns a copy of the config with the specified shell.
func (c SandboxConfig) WithShell(shell string) SandboxConfig {
	c.Shell = shell
	return c
}

// WithNetworkMode returns a copy of the config with the specified network mode.
func (c SandboxConfig) WithNetworkMode(mode string) SandboxConfig {
	c.NetworkMode = mode
	return c
}

// WithLimits returns a copy of the config with the specified resource limits.
func (c SandboxConfig) WithLimits(memoryMB int64, cpuPercent float64, maxProcesses int64) SandboxConfig {
	c.MemoryMB = memoryMB
	c.CPUPercent = cpuPercent
	c.MaxProcesses = maxProcesses
	return c
}

// WithIdleTimeout returns a copy of the config with idle reaping configured.
func (c SandboxConfig) WithIdleTimeout(timeout, interval time.Duration) SandboxConfig {
	c.IdleTimeout = timeout
	c.ReapInterval = interval
	return c
}

// WithPullImages returns a copy of the config with image pulling enabled or disabled.
func (c SandboxConfig) WithPullImages(enabled bool) SandboxConfig {
	c.PullImages = enabled
	return c
}

// Validate applies defaults to unset fields and clamps out-of-range limits.
func (c *SandboxConfig) Validate() {
	if c.DefaultImage == "" {
		c.DefaultImage = DefaultImage
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.NetworkMode == "" {
		c.NetworkMode = DefaultNetworkMode
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	}
	if c.CPUPercent < 0 || c.CPUPercent > 1.0 {
		c.CPUPercent = 0
	}
	if c.MaxProcesses < 0 {
		c.MaxProcesses = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
}
