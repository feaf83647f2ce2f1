package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/sandboxd/internal/config"
	"github.com/hkuds/sandboxd/internal/gateway"
	"github.com/hkuds/sandboxd/internal/sandbox"
)

// Status display styles.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				MarginBottom(1).
				Padding(0, 1)

	statusBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)

	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				MarginTop(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Width(18)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255"))

	statusEnabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")).
				Bold(true)

	statusDisabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)
)

// StatusReport is everything the status screen shows. Health and
// Containers are nil when the gateway could not be reached; GatewayErr then
// says why.
type StatusReport struct {
	ServerURL  string
	ConfigPath string
	Config     *config.Config
	Health     *gateway.HealthResponse
	Containers []sandbox.Session
	GatewayErr error
	Now        time.Time
}

// ShowStatus prints the status screen.
func ShowStatus(r StatusReport) error {
	fmt.Println(RenderStatus(r))
	return nil
}

// RenderStatus renders the status screen as a string.
func RenderStatus(r StatusReport) string {
	if r.Now.IsZero() {
		r.Now = time.Now()
	}

	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("sandboxd Status"))
	sb.WriteString("\n\n")

	sb.WriteString(statusSectionStyle.Render("Gateway"))
	sb.WriteString("\n")
	sb.WriteString(renderGatewayStatus(r))
	sb.WriteString("\n")

	if r.Config != nil {
		sb.WriteString(statusSectionStyle.Render("Sandbox"))
		sb.WriteString("\n")
		sb.WriteString(renderSandboxStatus(r.Config))
		sb.WriteString("\n")
	}

	sb.WriteString(statusSectionStyle.Render("Containers"))
	sb.WriteString("\n")
	sb.WriteString(renderContainers(r))

	return statusBoxStyle.Render(sb.String())
}

func renderGatewayStatus(r StatusReport) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("URL", statusValueStyle.Render(r.ServerURL)))
	if r.ConfigPath != "" {
		sb.WriteString(renderStatusRow("Config", statusValueStyle.Render(r.ConfigPath)))
	}

	if r.Health == nil {
		sb.WriteString(renderStatusRow("Status", statusErrorStyle.Render("unreachable")))
		if r.GatewayErr != nil {
			sb.WriteString(renderStatusRow("", statusWarningStyle.Render(r.GatewayErr.Error())))
		}
		sb.WriteString(renderStatusRow("", statusDisabledStyle.Render("Run 'sandboxd serve' to start the gateway")))
		return sb.String()
	}

	sb.WriteString(renderStatusRow("Status", statusEnabledStyle.Render(r.Health.Status)))
	if r.Health.Engine == "ok" {
		sb.WriteString(renderStatusRow("Docker", statusEnabledStyle.Render("reachable")))
	} else {
		sb.WriteString(renderStatusRow("Docker", statusErrorStyle.Render(r.Health.Engine)))
	}
	return sb.String()
}

func renderSandboxStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Image", statusValueStyle.Render(cfg.Sandbox.DefaultImage)))
	sb.WriteString(renderStatusRow("Network", statusValueStyle.Render(cfg.Sandbox.NetworkMode)))

	limits := formatLimits(cfg.Sandbox)
	if limits == "" {
		sb.WriteString(renderStatusRow("Limits", statusWarningStyle.Render("none")))
	} else {
		sb.WriteString(renderStatusRow("Limits", statusValueStyle.Render(limits)))
	}

	if cfg.Reaper.IdleTimeout > 0 {
		idle := config.Seconds(cfg.Reaper.IdleTimeout).String()
		sb.WriteString(renderStatusRow("Idle reaper", statusEnabledStyle.Render("after "+idle)))
	} else {
		sb.WriteString(renderStatusRow("Idle reaper", statusDisabledStyle.Render("disabled")))
	}

	if len(cfg.Gateway.AllowedOrigins) > 0 {
		sb.WriteString(renderStatusRow("Origins", statusValueStyle.Render(strings.Join(cfg.Gateway.AllowedOrigins, ", "))))
	} else {
		sb.WriteString(renderStatusRow("Origins", statusWarningStyle.Render("any (not recommended)")))
	}

	return sb.String()
}

func renderContainers(r StatusReport) string {
	if r.Containers == nil && r.Health == nil {
		return renderStatusRow("", statusDisabledStyle.Render("unknown"))
	}
	if len(r.Containers) == 0 {
		return renderStatusRow("", statusDisabledStyle.Render("no containers running"))
	}

	var sb strings.Builder
	for _, s := range r.Containers {
		state := statusDisabledStyle.Render("idle")
		if s.Attached {
			state = statusEnabledStyle.Render("attached")
		}
		line := fmt.Sprintf("%s  %s  %s  %s",
			ShortID(s.ContainerID),
			s.ChallengeID,
			orDash(s.IPAddress),
			FormatAge(r.Now.Sub(s.SpawnedAt)),
		)
		sb.WriteString(renderStatusRow("", statusValueStyle.Render(line)+"  "+state))
	}
	return sb.String()
}

// renderStatusRow renders a label-value row.
func renderStatusRow(label, value string) string {
	if label == "" {
		return fmt.Sprintf("  %s\n", value)
	}
	return fmt.Sprintf("  %s %s\n",
		statusLabelStyle.Render(label+":"),
		value,
	)
}

func formatLimits(s config.SandboxConfig) string {
	var parts []string
	if s.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("%d MB", s.MemoryMB))
	}
	if s.CPUPercent > 0 {
		parts = append(parts, fmt.Sprintf("%.0f%% CPU", s.CPUPercent*100))
	}
	if s.MaxProcesses > 0 {
		parts = append(parts, fmt.Sprintf("%d pids", s.MaxProcesses))
	}
	return strings.Join(parts, ", ")
}

// ShortID truncates a container ID the way the docker CLI does.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// FormatAge renders a duration as a coarse age like "42s", "5m" or "3h".
func FormatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
