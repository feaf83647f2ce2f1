package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the root configuration structure for sandboxd.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Sandbox  SandboxConfig  `json:"sandbox"`
	Terminal TerminalConfig `json:"terminal"`
	Reaper   ReaperConfig   `json:"reaper"`
	Log      LogConfig      `json:"log"`
}

// GatewayConfig holds HTTP gateway configuration.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	PathPrefix     string   `json:"pathPrefix"`
	AllowedOrigins []string `json:"allowedOrigins"` // empty allows every origin
}

// SandboxConfig holds the settings of spawned containers.
type SandboxConfig struct {
	DefaultImage     string  `json:"defaultImage"`
	Shell            string  `json:"shell"`
	NamePrefix       string  `json:"namePrefix"`
	NetworkMode      string  `json:"networkMode"`
	MemoryMB         int64   `json:"memoryMB"`         // 0 = unlimited
	CPUPercent       float64 `json:"cpuPercent"`       // fraction of one CPU, 0 = unlimited
	MaxProcesses     int64   `json:"maxProcesses"`     // 0 = unlimited
	StopTimeout      int     `json:"stopTimeout"`      // seconds
	OperationTimeout int     `json:"operationTimeout"` // seconds
	PullImages       bool    `json:"pullImages"`
	CleanupOnExit    bool    `json:"cleanupOnExit"`
}

// TerminalConfig holds WebSocket terminal settings.
type TerminalConfig struct {
	ReadBufferSize int   `json:"readBufferSize"`
	SendQueue      int   `json:"sendQueue"`
	WriteWait      int   `json:"writeWait"` // seconds
	PongWait       int   `json:"pongWait"`  // seconds
	MaxMessageSize int64 `json:"maxMessageSize"`
}

// ReaperConfig controls termination of idle containers.
type ReaperConfig struct {
	IdleTimeout int `json:"idleTimeout"` // seconds, 0 disables reaping
	Interval    int `json:"interval"`    // seconds
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `json:"level"` // debug, info, warn, error
	JSON  bool   `json:"json"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           3001,
			PathPrefix:     "/api",
			AllowedOrigins: []string{},
		},
		Sandbox: SandboxConfig{
			DefaultImage:     "parrotsec/security:latest",
			Shell:            "/bin/bash",
			NamePrefix:       "parrot",
			NetworkMode:      "bridge",
			StopTimeout:      10,
			OperationTimeout: 120,
			PullImages:       true,
			CleanupOnExit:    true,
		},
		Terminal: TerminalConfig{
			ReadBufferSize: 4096,
			SendQueue:      256,
			WriteWait:      10,
			PongWait:       60,
			MaxMessageSize: 64 * 1024,
		},
		Reaper: ReaperConfig{
			IdleTimeout: 0,
			Interval:    60,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Validate fills zero values with defaults and normalizes fields.
func (c *Config) Validate() {
	d := DefaultConfig()

	if c.Gateway.Host == "" {
		c.Gateway.Host = d.Gateway.Host
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		c.Gateway.Port = d.Gateway.Port
	}
	if strings.Trim(c.Gateway.PathPrefix, "/") == "" && c.Gateway.PathPrefix != "/" {
		c.Gateway.PathPrefix = d.Gateway.PathPrefix
	}

	if c.Sandbox.DefaultImage == "" {
		c.Sandbox.DefaultImage = d.Sandbox.DefaultImage
	}
	if c.Sandbox.Shell == "" {
		c.Sandbox.Shell = d.Sandbox.Shell
	}
	if c.Sandbox.NamePrefix == "" {
		c.Sandbox.NamePrefix = d.Sandbox.NamePrefix
	}
	if c.Sandbox.NetworkMode == "" {
		c.Sandbox.NetworkMode = d.Sandbox.NetworkMode
	}
	if c.Sandbox.StopTimeout <= 0 {
		c.Sandbox.StopTimeout = d.Sandbox.StopTimeout
	}
	if c.Sandbox.OperationTimeout <= 0 {
		c.Sandbox.OperationTimeout = d.Sandbox.OperationTimeout
	}

	if c.Terminal.ReadBufferSize <= 0 {
		c.Terminal.ReadBufferSize = d.Terminal.ReadBufferSize
	}
	if c.Terminal.SendQueue <= 0 {
		c.Terminal.SendQueue = d.Terminal.SendQueue
	}
	if c.Terminal.WriteWait <= 0 {
		c.Terminal.WriteWait = d.Terminal.WriteWait
	}
	if c.Terminal.PongWait <= 0 {
		c.Terminal.PongWait = d.Terminal.PongWait
	}
	if c.Terminal.MaxMessageSize <= 0 {
		c.Terminal.MaxMessageSize = d.Terminal.MaxMessageSize
	}

	if c.Reaper.IdleTimeout < 0 {
		c.Reaper.IdleTimeout = 0
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = d.Reaper.Interval
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// ServerURL returns the base URL clients use to reach the gateway.
func (c *Config) ServerURL() string {
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	prefix := "/" + strings.Trim(c.Gateway.PathPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Gateway.Port)) + prefix
}

// Seconds converts a seconds field to a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// expandPath expands ~ to the user's home directory and resolves the path.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		// Handle ~/path and ~path cases
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}

	// Convert to absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	return absPath
}
