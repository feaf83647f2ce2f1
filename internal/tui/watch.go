package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/sandboxd/internal/gateway"
	"github.com/hkuds/sandboxd/internal/sandbox"
)

// ContainerLister is the part of the gateway client the watch view polls.
type ContainerLister interface {
	List(ctx context.Context) (*gateway.ListResponse, error)
}

const fetchTimeout = 5 * time.Second

// Screen lines the view draws around the table.
const watchChrome = 4

var watchColumns = []table.Column{
	{Title: "CONTAINER", Width: 12},
	{Title: "CHALLENGE", Width: 20},
	{Title: "IMAGE", Width: 28},
	{Title: "IP", Width: 15},
	{Title: "AGE", Width: 6},
	{Title: "TERMINAL", Width: 9},
}

type (
	tickMsg       time.Time
	containersMsg struct {
		sessions []sandbox.Session
		at       time.Time
	}
	fetchErrMsg struct{ err error }
)

// WatchModel is a live container table refreshed on an interval.
type WatchModel struct {
	lister   ContainerLister
	server   string
	interval time.Duration
	table    table.Model

	sessions []sandbox.Session
	updated  time.Time
	err      error
	now      func() time.Time
}

// NewWatchModel creates the watch view for the gateway at server.
func NewWatchModel(lister ContainerLister, server string, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	t := table.New(
		table.WithColumns(watchColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("62")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return WatchModel{
		lister:   lister,
		server:   server,
		interval: interval,
		table:    t,
		now:      time.Now,
	}
}

// Init starts the first fetch.
func (m WatchModel) Init() tea.Cmd {
	return m.fetch()
}

// Update handles key presses, window resizes and fetch results.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		// The table's height includes its two header lines.
		if h := msg.Height - watchChrome; h > 5 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, m.fetch()

	case containersMsg:
		m.err = nil
		m.sessions = msg.sessions
		m.updated = msg.at
		m.table.SetRows(sessionRows(msg.sessions, msg.at))
		return m, m.tick()

	case fetchErrMsg:
		m.err = msg.err
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the table with a header and footer.
func (m WatchModel) View() string {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("sandboxd containers"))
	sb.WriteString(statusDisabledStyle.Render(m.server))
	sb.WriteString("\n")
	sb.WriteString(m.table.View())
	sb.WriteString("\n")

	switch {
	case m.err != nil:
		sb.WriteString(statusErrorStyle.Render("error: " + m.err.Error()))
	case m.updated.IsZero():
		sb.WriteString(statusDisabledStyle.Render("loading..."))
	default:
		sb.WriteString(statusDisabledStyle.Render(fmt.Sprintf("%d container(s), updated %s",
			len(m.sessions), m.updated.Format("15:04:05"))))
	}
	sb.WriteString("\n")
	sb.WriteString(statusDisabledStyle.Render("r refresh • q quit"))
	return sb.String()
}

func (m WatchModel) fetch() tea.Cmd {
	lister, now := m.lister, m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		resp, err := lister.List(ctx)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return containersMsg{sessions: resp.Containers, at: now()}
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func sessionRows(sessions []sandbox.Session, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		terminal := "-"
		if s.Attached {
			terminal = "attached"
		}
		rows = append(rows, table.Row{
			ShortID(s.ContainerID),
			s.ChallengeID,
			s.Image,
			orDash(s.IPAddress),
			FormatAge(now.Sub(s.SpawnedAt)),
			terminal,
		})
	}
	return rows
}

// RunWatch shows the live container table until the user quits.
func RunWatch(lister ContainerLister, server string, interval time.Duration) error {
	_, err := tea.NewProgram(NewWatchModel(lister, server, interval), tea.WithAltScreen()).Run()
	return err
}
