package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Manager creates, resets and terminates sandbox containers and keeps the
// registry of live sessions.
type Manager struct {
	engine   Engine
	config   SandboxConfig
	registry *Registry
	log      logrus.FieldLogger
	now      func() time.Time
	suffix   func() string
}

// NewManager creates a Manager that drives engine.
func NewManager(engine Engine, cfg SandboxConfig, log logrus.FieldLogger) *Manager {
	cfg.Validate()
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Manager{
		engine:   engine,
		config:   cfg,
		registry: NewRegistry(),
		log:      log.WithField("component", "sandbox.manager"),
		now:      time.Now,
		suffix:   randomSuffix,
	}
}

// Config returns a copy of the manager's sandbox configuration.
func (m *Manager) Config() SandboxConfig {
	return m.config
}

// Ping checks that the container engine is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.engine.Ping(ctx)
}

// Spawn creates and starts a container for challengeID and registers it.
// An empty image selects the configured default.
func (m *Manager) Spawn(ctx context.Context, challengeID, image string) (Session, error) {
	if image == "" {
		image = m.config.DefaultImage
	}
	log := m.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"image":        image,
	})
	log.Info("Spawning container")

	if m.config.PullImages {
		m.ensureImage(ctx, image, log)
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	spec := ContainerSpec{
		Name:  m.containerName(challengeID),
		Image: image,
		Cmd:   []string{m.config.Shell},
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelChallenge: challengeID,
		},
		NetworkMode:  m.config.NetworkMode,
		MemoryMB:     m.config.MemoryMB,
		CPUPercent:   m.config.CPUPercent,
		MaxProcesses: m.config.MaxProcesses,
	}

	containerID, err := m.engine.CreateContainer(opCtx, spec)
	if err != nil {
		log.WithError(err).Error("Failed to create container")
		return Session{}, &EngineError{Op: "create", Err: err}
	}
	log = log.WithField("container_id", shortID(containerID))

	if err := m.engine.StartContainer(opCtx, containerID); err != nil {
		log.WithError(err).Error("Failed to start container")
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout)
		defer rmCancel()
		if rmErr := m.engine.RemoveContainer(rmCtx, containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove container after start failure")
		}
		return Session{}, &EngineError{Op: "start", ContainerID: containerID, Err: err}
	}

	var ipAddress string
	info, err := m.engine.InspectContainer(opCtx, containerID)
	if err != nil {
		log.WithError(err).Warn("Failed to inspect container after start")
	} else {
		ipAddress = info.IPAddress
	}

	now := m.now()
	session := Session{
		ContainerID: containerID,
		ChallengeID: challengeID,
		Image:       image,
		Name:        spec.Name,
		IPAddress:   ipAddress,
		SpawnedAt:   now,
		LastActive:  now,
	}
	m.registry.Put(session)

	log.WithField("ip_address", ipAddress).Info("Container spawned")
	return session, nil
}

// ensureImage pulls the image if it is not present locally. Failures are
// logged and otherwise ignored: create reports a missing image anyway.
func (m *Manager) ensureImage(ctx context.Context, image string, log logrus.FieldLogger) {
	exists, err := m.engine.ImageExists(ctx, image)
	if err == nil && exists {
		return
	}
	if err != nil {
		log.WithError(err).Debug("Image inspect failed, pulling anyway")
	}

	if err := m.engine.PullImage(ctx, image); err != nil {
		log.WithError(err).Warn("Image pull failed, continuing with local image if present")
		return
	}
	log.Info("Image pulled")
}

// Terminate stops and removes the container and drops its session. A
// second terminate on the same ID returns ErrNotFound.
func (m *Manager) Terminate(ctx context.Context, containerID string) error {
	detach, err := m.registry.claim(containerID)
	if err != nil {
		return err
	}
	log := m.log.WithField("container_id", shortID(containerID))

	if detach != nil {
		detach()
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.engine.StopContainer(opCtx, containerID, m.config.StopTimeout); err != nil {
		m.registry.unclaim(containerID)
		log.WithError(err).Error("Failed to stop container")
		return &EngineError{Op: "stop", ContainerID: containerID, Err: err}
	}
	if err := m.engine.RemoveContainer(opCtx, containerID); err != nil {
		m.registry.unclaim(containerID)
		log.WithError(err).Error("Failed to remove container")
		return &EngineError{Op: "remove", ContainerID: containerID, Err: err}
	}

	m.registry.Remove(containerID)
	log.Info("Container terminated")
	return nil
}

// Reset restarts the container in place. Any live terminal attachment is
// torn down first; clients re-attach afterwards.
func (m *Manager) Reset(ctx context.Context, containerID string) error {
	detach, err := m.registry.TakeAttachment(containerID)
	if err != nil {
		return err
	}
	log := m.log.WithField("container_id", shortID(containerID))

	if detach != nil {
		log.Debug("Detaching terminal before reset")
		detach()
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.engine.RestartContainer(opCtx, containerID, m.config.StopTimeout); err != nil {
		log.WithError(err).Error("Failed to restart container")
		return &EngineError{Op: "restart", ContainerID: containerID, Err: err}
	}

	info, err := m.engine.InspectContainer(opCtx, containerID)
	if err != nil {
		log.WithError(err).Warn("Failed to inspect container after restart")
	}
	now := m.now()
	m.registry.Update(containerID, func(s *Session) {
		if err == nil && info.IPAddress != "" {
			s.IPAddress = info.IPAddress
		}
		s.LastActive = now
	})

	log.Info("Container reset")
	return nil
}

// List returns a snapshot of the registered sessions in spawn order.
func (m *Manager) List() []Session {
	return m.registry.Values()
}

// Get returns the session registered for containerID.
func (m *Manager) Get(containerID string) (Session, error) {
	s, ok := m.registry.Get(containerID)
	if !ok {
		return Session{}, NotFound(containerID)
	}
	return s, nil
}

// OpenTerminal starts an interactive shell exec inside the container.
func (m *Manager) OpenTerminal(ctx context.Context, containerID string) (ExecStream, error) {
	if _, ok := m.registry.Get(containerID); !ok {
		return nil, NotFound(containerID)
	}

	// The hijacked exec connection outlives this call, so its context
	// carries no deadline.
	stream, err := m.engine.Exec(context.WithoutCancel(ctx), containerID, []string{m.config.Shell})
	if err != nil {
		return nil, &StreamError{Op: "exec", ContainerID: containerID, Err: err}
	}
	return stream, nil
}

// ResizeTerminal resizes the TTY of a running terminal exec.
func (m *Manager) ResizeTerminal(ctx context.Context, containerID, execID string, rows, cols uint) error {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.engine.ResizeExec(opCtx, execID, rows, cols); err != nil {
		return &StreamError{Op: "resize", ContainerID: containerID, Err: err}
	}
	return nil
}

// Attach binds a terminal attachment to the session. A session holds at
// most one attachment: an existing one held by a different owner is
// detached before Attach returns.
func (m *Manager) Attach(containerID, owner string, detach func()) error {
	prev, err := m.registry.Bind(containerID, owner, detach)
	if err != nil {
		return err
	}
	m.registry.Touch(containerID, m.now())
	if prev != nil {
		m.log.WithField("container_id", shortID(containerID)).Info("Replacing existing terminal attachment")
		prev()
	}
	return nil
}

// Detach releases owner's attachment on the session, if it still holds it.
func (m *Manager) Detach(containerID, owner string) {
	if m.registry.Unbind(containerID, owner) {
		m.registry.Touch(containerID, m.now())
	}
}

// Touch records terminal activity for idle reaping.
func (m *Manager) Touch(containerID string) {
	m.registry.Touch(containerID, m.now())
}

// Shutdown terminates every registered session when CleanupOnExit is set.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.config.CleanupOnExit {
		return nil
	}

	sessions := m.registry.Values()
	if len(sessions) == 0 {
		return nil
	}
	m.log.WithField("count", len(sessions)).Info("Terminating sandbox containers")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range sessions {
		containerID := s.ContainerID
		g.Go(func() error {
			if err := m.Terminate(gctx, containerID); err != nil && !IsNotFound(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// opContext bounds a single engine call by the operation timeout only; a
// cancelled caller does not abort an engine call already in flight.
func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.config.OperationTimeout)
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName builds <prefix>-<challenge>-<unix millis>-<suffix>.
// Sanitizing and truncation can map different challenge IDs to the same
// label, so the random suffix keeps names unique.
func (m *Manager) containerName(challengeID string) string {
	label := strings.Trim(nameUnsafe.ReplaceAllString(challengeID, "-"), "-.")
	if label == "" {
		label = "sandbox"
	}
	if len(label) > 48 {
		label = label[:48]
	}
	return fmt.Sprintf("%s-%s-%d-%s", m.config.NamePrefix, label, m.now().UnixMilli(), m.suffix())
}

func randomSuffix() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}
