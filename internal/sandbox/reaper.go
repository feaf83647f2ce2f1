package sandbox

import (
	"context"
	"time"
)

// Reap terminates sessions with no attachment whose last activity is older
// than the configured idle timeout. It returns the number terminated.
func (m *Manager) Reap(ctx context.Context) int {
	if m.config.IdleTimeout <= 0 {
		return 0
	}

	cutoff := m.now().Add(-m.config.IdleTimeout)
	reaped := 0
	for _, s := range m.registry.Values() {
		if s.Attached || !s.LastActive.Before(cutoff) {
			continue
		}
		log := m.log.WithField("container_id", shortID(s.ContainerID)).
			WithField("idle", m.now().Sub(s.LastActive).Round(time.Second))
		if err := m.Terminate(ctx, s.ContainerID); err != nil {
			if !IsNotFound(err) {
				log.WithError(err).Warn("Failed to reap idle container")
			}
			continue
		}
		log.Info("Reaped idle container")
		reaped++
	}
	return reaped
}

// RunReaper calls Reap every ReapInterval until ctx is cancelled. With
// reaping disabled it just waits for cancellation.
func (m *Manager) RunReaper(ctx context.Context) error {
	if m.config.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	m.log.WithField("idle_timeout", m.config.IdleTimeout).Info("Idle reaper started")
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}
