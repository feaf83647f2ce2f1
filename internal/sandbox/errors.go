package sandbox

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a container ID is not registered.
var ErrNotFound = errors.New("container not found")

// NotFound wraps ErrNotFound with the container ID that was looked up.
func NotFound(containerID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, containerID)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// EngineError reports a failed container engine call.
type EngineError struct {
	Op          string
	ContainerID string
	Err         error
}

func (e *EngineError) Error() string {
	if e.ContainerID != "" {
		return fmt.Sprintf("container %s %s failed: %v", e.Op, shortID(e.ContainerID), e.Err)
	}
	return fmt.Sprintf("container %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// StreamError reports a failed exec, attach or resize on a session that
// was otherwise valid.
type StreamError struct {
	Op          string
	ContainerID string
	Err         error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("terminal %s on %s failed: %v", e.Op, shortID(e.ContainerID), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsEngineError reports whether err is or wraps an *EngineError.
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}

// IsStreamError reports whether err is or wraps a *StreamError.
func IsStreamError(err error) bool {
	var streamErr *StreamError
	return errors.As(err, &streamErr)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
