package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Labels attached to every container the manager creates.
const (
	LabelManaged   = "sandboxd.managed"
	LabelChallenge = "sandboxd.challenge"
)

// DockerEngine implements Engine against a Docker daemon.
type DockerEngine struct {
	client *client.Client
}

// NewDockerEngine creates an engine using the standard Docker environment
// variables (DOCKER_HOST and friends) with API version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

// NewDockerEngineWithClient wraps an existing Docker client.
func NewDockerEngineWithClient(cli *client.Client) (*DockerEngine, error) {
	if cli == nil {
		return nil, fmt.Errorf("Docker client cannot be nil")
	}
	return &DockerEngine{client: cli}, nil
}

// Ping checks if the Docker daemon is accessible.
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// ImageExists reports whether the image is present locally.
func (e *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// PullImage pulls the image and waits for the pull to complete.
func (e *DockerEngine) PullImage(ctx context.Context, ref string) error {
	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Consume the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container for spec.
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg, hostCfg, networkCfg := buildContainerConfig(spec)

	resp, err := e.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// buildContainerConfig creates the container, host, and network configurations.
func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	// Removal happens explicitly on terminate, so AutoRemove stays off;
	// otherwise a restart could race the daemon's cleanup.
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}

	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = spec.MemoryMB * 1024 * 1024
		// Same as memory to disable swap
		hostCfg.Resources.MemorySwap = spec.MemoryMB * 1024 * 1024
	}
	if spec.CPUPercent > 0 {
		// 100000 = 100% of one CPU
		hostCfg.Resources.CPUQuota = int64(spec.CPUPercent * 100000)
		hostCfg.Resources.CPUPeriod = 100000
	}
	if spec.MaxProcesses > 0 {
		pids := spec.MaxProcesses
		hostCfg.Resources.PidsLimit = &pids
	}

	return containerCfg, hostCfg, &network.NetworkingConfig{}
}

// StartContainer starts a created container.
func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	return e.client.ContainerStart(ctx, containerID, container.StartOptions{})
}

// InspectContainer returns the container's name, state and IP address.
func (e *DockerEngine) InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error) {
	resp, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, err
	}

	info := ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.ContainerJSONBase != nil && resp.State != nil {
		info.Running = resp.State.Running
	}
	info.IPAddress = containerIP(resp)
	return info, nil
}

// containerIP prefers the default bridge network, then any other attached
// network, then the legacy top-level address.
func containerIP(resp types.ContainerJSON) string {
	if resp.NetworkSettings == nil {
		return ""
	}
	if bridge, ok := resp.NetworkSettings.Networks["bridge"]; ok && bridge != nil && bridge.IPAddress != "" {
		return bridge.IPAddress
	}
	for _, settings := range resp.NetworkSettings.Networks {
		if settings != nil && settings.IPAddress != "" {
			return settings.IPAddress
		}
	}
	return resp.NetworkSettings.IPAddress
}

// StopContainer stops the container, waiting up to timeout before killing it.
func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// RestartContainer restarts the container in place.
func (e *DockerEngine) RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return e.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

// RemoveContainer force-removes the container.
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Exec starts cmd inside the container with a TTY and all three standard
// streams attached.
func (e *DockerEngine) Exec(ctx context.Context, containerID string, cmd []string) (ExecStream, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"TERM=xterm-256color"},
	}

	execResp, err := e.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	return &dockerExec{id: execResp.ID, resp: attachResp}, nil
}

// ResizeExec sets the exec's TTY dimensions.
func (e *DockerEngine) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	return e.client.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: rows, Width: cols})
}

// Close closes the Docker client.
func (e *DockerEngine) Close() error {
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("failed to close Docker client: %w", err)
	}
	return nil
}

// dockerExec adapts a hijacked exec connection to ExecStream. With a TTY
// the daemon does not multiplex stdout and stderr, so the reader carries
// raw terminal bytes.
type dockerExec struct {
	id   string
	resp types.HijackedResponse
	once sync.Once
}

func (x *dockerExec) ID() string { return x.id }

func (x *dockerExec) Read(p []byte) (int, error) { return x.resp.Reader.Read(p) }

func (x *dockerExec) Write(p []byte) (int, error) { return x.resp.Conn.Write(p) }

func (x *dockerExec) Close() error {
	x.once.Do(x.resp.Close)
	return nil
}
