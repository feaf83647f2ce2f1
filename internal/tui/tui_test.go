package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hkuds/sandboxd/internal/config"
	"github.com/hkuds/sandboxd/internal/gateway"
	"github.com/hkuds/sandboxd/internal/sandbox"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSessions() []sandbox.Session {
	return []sandbox.Session{
		{
			ContainerID: "0123456789abcdef0123",
			ChallengeID: "web-101",
			Image:       "parrotsec/security:latest",
			IPAddress:   "172.17.0.2",
			SpawnedAt:   testNow.Add(-90 * time.Second),
			Attached:    true,
		},
		{
			ContainerID: "c2",
			ChallengeID: "pwn-7",
			Image:       "alpine:3",
			SpawnedAt:   testNow.Add(-3 * time.Hour),
		},
	}
}

func TestRenderStatusReachable(t *testing.T) {
	out := RenderStatus(StatusReport{
		ServerURL:  "http://127.0.0.1:3001/api",
		Config:     config.DefaultConfig(),
		Health:     &gateway.HealthResponse{Status: "ok", Engine: "ok"},
		Containers: testSessions(),
		Now:        testNow,
	})

	for _, want := range []string{
		"http://127.0.0.1:3001/api",
		"reachable",
		"parrotsec/security:latest",
		"0123456789ab",
		"web-101",
		"172.17.0.2",
		"attached",
		"pwn-7",
		"1m",
		"3h",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("container ID should be shortened")
	}
}

func TestRenderStatusUnreachable(t *testing.T) {
	out := RenderStatus(StatusReport{
		ServerURL:  "http://127.0.0.1:3001/api",
		GatewayErr: errors.New("connection refused"),
	})

	for _, want := range []string{"unreachable", "connection refused", "sandboxd serve"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatusEngineDown(t *testing.T) {
	out := RenderStatus(StatusReport{
		ServerURL:  "http://127.0.0.1:3001/api",
		Health:     &gateway.HealthResponse{Status: "ok", Engine: "unreachable"},
		Containers: []sandbox.Session{},
	})

	if !strings.Contains(out, "unreachable") {
		t.Errorf("engine status missing:\n%s", out)
	}
	if !strings.Contains(out, "no containers running") {
		t.Errorf("empty container list missing:\n%s", out)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{5*time.Minute + 10*time.Second, "5m"},
		{3 * time.Hour, "3h"},
		{72 * time.Hour, "3d"},
	}

	for _, tt := range tests {
		if got := FormatAge(tt.d); got != tt.want {
			t.Errorf("FormatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("c1"); got != "c1" {
		t.Errorf("ShortID(c1) = %q", got)
	}
}

type fakeLister struct {
	resp *gateway.ListResponse
	err  error
}

func (f *fakeLister) List(ctx context.Context) (*gateway.ListResponse, error) {
	return f.resp, f.err
}

func TestWatchModelFetch(t *testing.T) {
	lister := &fakeLister{resp: &gateway.ListResponse{Containers: testSessions(), Count: 2}}
	m := NewWatchModel(lister, "http://127.0.0.1:3001/api", time.Second)
	m.now = func() time.Time { return testNow }

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("Init should start a fetch")
	}
	msg := cmd()
	got, ok := msg.(containersMsg)
	if !ok {
		t.Fatalf("fetch returned %T, want containersMsg", msg)
	}
	if len(got.sessions) != 2 {
		t.Fatalf("fetched %d sessions, want 2", len(got.sessions))
	}

	model, next := m.Update(got)
	if next == nil {
		t.Error("a fetch result should schedule the next tick")
	}
	wm := model.(WatchModel)
	if rows := wm.table.Rows(); len(rows) != 2 {
		t.Fatalf("table has %d rows, want 2", len(rows))
	} else {
		if rows[0][0] != "0123456789ab" || rows[0][5] != "attached" {
			t.Errorf("row 0 = %v", rows[0])
		}
		if rows[1][3] != "-" || rows[1][5] != "-" {
			t.Errorf("row 1 = %v", rows[1])
		}
	}

	view := wm.View()
	if !strings.Contains(view, "2 container(s)") {
		t.Errorf("view missing count:\n%s", view)
	}
}

func TestWatchModelFetchError(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	m := NewWatchModel(lister, "http://127.0.0.1:3001/api", time.Second)

	msg := m.fetch()()
	if _, ok := msg.(fetchErrMsg); !ok {
		t.Fatalf("fetch returned %T, want fetchErrMsg", msg)
	}

	model, next := m.Update(msg)
	if next == nil {
		t.Error("a failed fetch should still schedule a retry")
	}
	if view := model.View(); !strings.Contains(view, "connection refused") {
		t.Errorf("view missing error:\n%s", view)
	}
}

func TestWatchModelQuit(t *testing.T) {
	m := NewWatchModel(&fakeLister{}, "", 0)

	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Errorf("key %q returned no command", key.String())
			continue
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("key %q did not quit", key.String())
		}
	}
}

func TestWatchModelWindowResize(t *testing.T) {
	m := NewWatchModel(&fakeLister{}, "", time.Second)

	model, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	if h := model.(WatchModel).table.Height(); h != 24 {
		t.Errorf("table body height = %d, want 24", h)
	}

	// Too small a window keeps the previous height.
	model, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 8})
	if h := model.(WatchModel).table.Height(); h != 24 {
		t.Errorf("table body height after tiny window = %d, want 24", h)
	}
}

func TestSetupStateRoundTrip(t *testing.T) {
	base := config.DefaultConfig()
	base.Sandbox.MemoryMB = 512
	base.Sandbox.CPUPercent = 0.5
	base.Reaper.IdleTimeout = 1800
	base.Gateway.AllowedOrigins = []string{"http://localhost:5173"}

	state := NewSetupState(base)
	if state.MemoryMB != "512" || state.CPUPercent != "50" || state.IdleTimeout != "30" {
		t.Fatalf("state = %+v", state)
	}

	cfg, err := BuildConfig(state, base)
	if err != nil {
		t.Fatalf("BuildConfig error = %v", err)
	}
	if cfg.Sandbox.MemoryMB != 512 || cfg.Sandbox.CPUPercent != 0.5 || cfg.Reaper.IdleTimeout != 1800 {
		t.Errorf("sandbox = %+v, reaper = %+v", cfg.Sandbox, cfg.Reaper)
	}
	if len(cfg.Gateway.AllowedOrigins) != 1 || cfg.Gateway.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("allowedOrigins = %v", cfg.Gateway.AllowedOrigins)
	}
}

func TestBuildConfig(t *testing.T) {
	base := config.DefaultConfig()
	state := NewSetupState(base)
	state.Host = " 0.0.0.0 "
	state.Port = "8080"
	state.AllowedOrigins = "http://a.test, ,http://b.test"
	state.MemoryMB = ""
	state.NetworkMode = "none"
	state.LogLevel = "debug"

	cfg, err := BuildConfig(state, base)
	if err != nil {
		t.Fatalf("BuildConfig error = %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 8080 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if len(cfg.Gateway.AllowedOrigins) != 2 {
		t.Errorf("allowedOrigins = %v, want 2 entries", cfg.Gateway.AllowedOrigins)
	}
	if cfg.Sandbox.MemoryMB != 0 || cfg.Sandbox.NetworkMode != "none" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if base.Gateway.Port != 3001 {
		t.Error("BuildConfig must not modify base")
	}
}

func TestBuildConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*SetupState)
	}{
		{"port text", func(s *SetupState) { s.Port = "http" }},
		{"port range", func(s *SetupState) { s.Port = "70000" }},
		{"negative memory", func(s *SetupState) { s.MemoryMB = "-1" }},
		{"cpu text", func(s *SetupState) { s.CPUPercent = "half" }},
		{"idle fraction", func(s *SetupState) { s.IdleTimeout = "1.5" }},
	}

	for _, tt := range tests {
		state := NewSetupState(config.DefaultConfig())
		tt.apply(state)
		if _, err := BuildConfig(state, nil); err == nil {
			t.Errorf("%s: BuildConfig should fail", tt.name)
		}
	}
}
