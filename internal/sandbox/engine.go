package sandbox

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes a sandbox container to create.
type ContainerSpec struct {
	Name         string
	Image        string
	Cmd          []string
	Labels       map[string]string
	NetworkMode  string
	MemoryMB     int64
	CPUPercent   float64
	MaxProcesses int64
}

// ContainerInfo is the subset of engine inspect data the manager uses.
type ContainerInfo struct {
	ID        string
	Name      string
	IPAddress string
	Running   bool
}

// ExecStream is a running interactive exec process with a TTY. Reads
// return the combined terminal output, writes go to the process stdin.
type ExecStream interface {
	io.ReadWriteCloser
	// ID returns the engine's exec identifier, used for resize calls.
	ID() string
}

// Engine is the container engine surface the manager depends on.
//
// StopContainer and RemoveContainer treat a container that no longer
// exists as success.
type Engine interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string) (ExecStream, error)
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
	Close() error
}
