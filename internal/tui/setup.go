// Package tui provides interactive terminal user interface components for sandboxd.
package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/sandboxd/internal/config"
)

// Styles for the setup wizard.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

// ErrSetupCancelled is returned when the user declines to save.
var ErrSetupCancelled = errors.New("setup cancelled by user")

// SetupState holds the answers of the setup wizard. Numeric answers are
// kept as text until the config is built.
type SetupState struct {
	Host           string
	Port           string
	AllowedOrigins string

	Image       string
	NetworkMode string
	MemoryMB    string
	CPUPercent  string
	IdleTimeout string

	CleanupOnExit bool
	LogLevel      string
	Confirmed     bool
}

// NewSetupState seeds the wizard from an existing config.
func NewSetupState(cfg *config.Config) *SetupState {
	cpu := ""
	if cfg.Sandbox.CPUPercent > 0 {
		cpu = strconv.FormatFloat(cfg.Sandbox.CPUPercent*100, 'f', -1, 64)
	}
	mem := ""
	if cfg.Sandbox.MemoryMB > 0 {
		mem = strconv.FormatInt(cfg.Sandbox.MemoryMB, 10)
	}
	idle := ""
	if cfg.Reaper.IdleTimeout > 0 {
		idle = strconv.Itoa(cfg.Reaper.IdleTimeout / 60)
	}

	return &SetupState{
		Host:           cfg.Gateway.Host,
		Port:           strconv.Itoa(cfg.Gateway.Port),
		AllowedOrigins: strings.Join(cfg.Gateway.AllowedOrigins, ", "),
		Image:          cfg.Sandbox.DefaultImage,
		NetworkMode:    cfg.Sandbox.NetworkMode,
		MemoryMB:       mem,
		CPUPercent:     cpu,
		IdleTimeout:    idle,
		CleanupOnExit:  cfg.Sandbox.CleanupOnExit,
		LogLevel:       cfg.Log.Level,
	}
}

// RunSetup runs the interactive setup wizard, starting from base, and
// saves the result to path.
func RunSetup(base *config.Config, path string) (*config.Config, error) {
	state := NewSetupState(base)

	welcome := boxStyle.Render(
		titleStyle.Render("Welcome to sandboxd Setup") + "\n\n" +
			"This wizard configures the sandbox gateway.\n" +
			"You can always edit the configuration later at:\n" +
			subtitleStyle.Render(displayPath(path)),
	)
	fmt.Println(welcome)
	fmt.Println()

	if err := runGatewayStep(state); err != nil {
		return nil, fmt.Errorf("gateway step failed: %w", err)
	}
	if err := runSandboxStep(state); err != nil {
		return nil, fmt.Errorf("sandbox step failed: %w", err)
	}
	if err := runConfirmationStep(state); err != nil {
		return nil, fmt.Errorf("confirmation step failed: %w", err)
	}
	if !state.Confirmed {
		return nil, ErrSetupCancelled
	}

	cfg, err := BuildConfig(state, base)
	if err != nil {
		return nil, err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println(successStyle.Render("\n✓ Configuration saved successfully!"))
	fmt.Println(subtitleStyle.Render("Config file: " + displayPath(path)))
	return cfg, nil
}

func runGatewayStep(state *SetupState) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Use 0.0.0.0 to accept connections from other hosts").
				Value(&state.Host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("address is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Port").
				Value(&state.Port).
				Validate(validatePort),
			huh.NewInput().
				Title("Allowed origins").
				Description("Comma-separated browser origins allowed to open terminals, empty allows any").
				Placeholder("http://localhost:5173").
				Value(&state.AllowedOrigins),
		),
	)
	return form.Run()
}

func runSandboxStep(state *SetupState) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Default image").
				Value(&state.Image).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("image is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Container network").
				Options(
					huh.NewOption("bridge (default docker network)", "bridge"),
					huh.NewOption("none (no network access)", "none"),
					huh.NewOption("host (share the host network)", "host"),
				).
				Value(&state.NetworkMode),
			huh.NewInput().
				Title("Memory limit (MB)").
				Description("Empty for unlimited").
				Value(&state.MemoryMB).
				Validate(validateOptionalInt),
			huh.NewInput().
				Title("CPU limit (% of one core)").
				Description("Empty for unlimited").
				Value(&state.CPUPercent).
				Validate(validateOptionalFloat),
			huh.NewInput().
				Title("Idle timeout (minutes)").
				Description("Terminate containers with no terminal after this long, empty disables").
				Value(&state.IdleTimeout).
				Validate(validateOptionalInt),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Remove containers when the gateway stops?").
				Affirmative("Yes").
				Negative("No").
				Value(&state.CleanupOnExit),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&state.LogLevel),
		),
	)
	return form.Run()
}

func runConfirmationStep(state *SetupState) error {
	fmt.Println(boxStyle.Render(buildSummary(state)))
	fmt.Println()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this configuration?").
				Affirmative("Yes, save").
				Negative("No, cancel").
				Value(&state.Confirmed),
		),
	)
	return form.Run()
}

// buildSummary creates a text summary of the configuration.
func buildSummary(state *SetupState) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Configuration Summary"))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("Listen: %s\n", successStyle.Render(state.Host+":"+state.Port)))
	if strings.TrimSpace(state.AllowedOrigins) == "" {
		sb.WriteString(fmt.Sprintf("Origins: %s\n", subtitleStyle.Render("any")))
	} else {
		sb.WriteString(fmt.Sprintf("Origins: %s\n", state.AllowedOrigins))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Image: %s\n", state.Image))
	sb.WriteString(fmt.Sprintf("Network: %s\n", state.NetworkMode))
	sb.WriteString(fmt.Sprintf("Memory: %s\n", unlimitedIfEmpty(state.MemoryMB, " MB")))
	sb.WriteString(fmt.Sprintf("CPU: %s\n", unlimitedIfEmpty(state.CPUPercent, "%")))
	if strings.TrimSpace(state.IdleTimeout) == "" {
		sb.WriteString(fmt.Sprintf("Idle reaper: %s\n", subtitleStyle.Render("disabled")))
	} else {
		sb.WriteString(fmt.Sprintf("Idle reaper: after %s min\n", state.IdleTimeout))
	}
	sb.WriteString(fmt.Sprintf("Cleanup on exit: %t\n", state.CleanupOnExit))
	sb.WriteString(fmt.Sprintf("Log level: %s\n", state.LogLevel))

	return sb.String()
}

// BuildConfig applies the wizard answers to a copy of base.
func BuildConfig(state *SetupState, base *config.Config) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if base != nil {
		c := *base
		c.Gateway.AllowedOrigins = append([]string(nil), base.Gateway.AllowedOrigins...)
		cfg = &c
	}

	port, err := strconv.Atoi(strings.TrimSpace(state.Port))
	if err != nil || validatePort(state.Port) != nil {
		return nil, fmt.Errorf("invalid port %q", state.Port)
	}
	mem, err := parseOptionalInt(state.MemoryMB)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit: %w", err)
	}
	cpu, err := parseOptionalFloat(state.CPUPercent)
	if err != nil {
		return nil, fmt.Errorf("invalid CPU limit: %w", err)
	}
	idle, err := parseOptionalInt(state.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid idle timeout: %w", err)
	}

	cfg.Gateway.Host = strings.TrimSpace(state.Host)
	cfg.Gateway.Port = port
	cfg.Gateway.AllowedOrigins = splitList(state.AllowedOrigins)

	cfg.Sandbox.DefaultImage = strings.TrimSpace(state.Image)
	cfg.Sandbox.NetworkMode = state.NetworkMode
	cfg.Sandbox.MemoryMB = mem
	cfg.Sandbox.CPUPercent = cpu / 100
	cfg.Sandbox.CleanupOnExit = state.CleanupOnExit
	cfg.Reaper.IdleTimeout = int(idle) * 60
	cfg.Log.Level = state.LogLevel

	cfg.Validate()
	return cfg, nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

func validateOptionalInt(s string) error {
	_, err := parseOptionalInt(s)
	return err
}

func validateOptionalFloat(s string) error {
	_, err := parseOptionalFloat(s)
	return err
}

func parseOptionalInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative whole number")
	}
	return n, nil
}

func parseOptionalFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, errors.New("must be a non-negative number")
	}
	return f, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unlimitedIfEmpty(s, unit string) string {
	if strings.TrimSpace(s) == "" {
		return "unlimited"
	}
	return s + unit
}

func displayPath(path string) string {
	if path == "" {
		return config.GetConfigPath()
	}
	return path
}
