package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hkuds/sandboxd/internal/sandbox"
)

// ReadBufferSize is the size of a single read from the exec stream.
const ReadBufferSize = 32 * 1024

// InputQueueLength bounds the input frames waiting for the exec stream.
// A client that outruns the shell by more than this loses its terminal.
const InputQueueLength = 256

// ErrClosed is returned by Attach once the bridge has been closed.
var ErrClosed = errors.New("terminal bridge closed")

// State is the lifecycle state of a Bridge.
type State int

const (
	StateIdle State = iota
	StateAttaching
	StateAttached
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sessions is the part of the sandbox manager the bridge drives.
type Sessions interface {
	OpenTerminal(ctx context.Context, containerID string) (sandbox.ExecStream, error)
	ResizeTerminal(ctx context.Context, containerID, execID string, rows, cols uint) error
	Attach(containerID, owner string, detach func()) error
	Detach(containerID, owner string)
	Touch(containerID string)
}

// Emitter delivers events to the client. Emit must not block.
type Emitter interface {
	Emit(ev Event) error
}

// Bridge connects one client connection to at most one exec stream at a
// time.
type Bridge struct {
	sessions Sessions
	emitter  Emitter
	log      logrus.FieldLogger

	// attachMu serializes Attach calls.
	attachMu sync.Mutex
	// emitMu orders emits against Close.
	emitMu sync.Mutex

	mu      sync.Mutex
	state   State
	current *attachment
	closed  bool
}

// attachment is one live exec stream bound to the bridge.
type attachment struct {
	bridge      *Bridge
	owner       string
	containerID string
	stream      sandbox.ExecStream

	// input feeds writeInput; done is closed by finish.
	input chan string
	done  chan struct{}

	ending atomic.Bool
	once   sync.Once
}

// NewBridge creates an idle bridge that reports to emitter.
func NewBridge(sessions Sessions, emitter Emitter, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{
		sessions: sessions,
		emitter:  emitter,
		log:      log.WithField("component", "terminal.bridge"),
		state:    StateIdle,
	}
}

// State returns the bridge's current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ContainerID returns the container of the live attachment, if any.
func (b *Bridge) ContainerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return ""
	}
	return b.current.containerID
}

// Attach opens a shell in the container and starts streaming its output.
// A previous attachment of this bridge is closed first without a
// terminal-disconnected event. Failures are reported to the client as
// error events and returned.
func (b *Bridge) Attach(ctx context.Context, containerID string) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	prev := b.current
	b.mu.Unlock()

	if prev != nil {
		prev.finish(false)
	}
	b.setState(StateAttaching)

	log := b.log.WithField("container_id", containerID)
	if containerID == "" {
		b.setState(StateIdle)
		b.emit(Error("containerId is required"))
		return sandbox.NotFound(containerID)
	}

	stream, err := b.sessions.OpenTerminal(ctx, containerID)
	if err != nil {
		log.WithError(err).Warn("Failed to open terminal")
		b.setState(StateIdle)
		b.emit(Error(attachErrorMessage(err)))
		return err
	}

	a := &attachment{
		bridge:      b,
		owner:       uuid.NewString(),
		containerID: containerID,
		stream:      stream,
		input:       make(chan string, InputQueueLength),
		done:        make(chan struct{}),
	}

	if b.isClosed() {
		log.Debug("Connection closed while exec was opening, discarding stream")
		_ = stream.Close()
		return ErrClosed
	}

	if err := b.sessions.Attach(containerID, a.owner, func() { a.finish(true) }); err != nil {
		_ = stream.Close()
		b.setState(StateIdle)
		b.emit(Error(attachErrorMessage(err)))
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Debug("Connection closed while attaching, discarding stream")
		a.finish(false)
		return ErrClosed
	}
	if a.ending.Load() {
		// Replaced by another client before the attachment went live.
		b.state = StateClosed
		b.mu.Unlock()
		return nil
	}
	b.current = a
	b.state = StateAttached
	b.mu.Unlock()

	log.WithField("exec_id", stream.ID()).Info("Terminal attached")
	go a.pump()
	go a.writeInput()
	return nil
}

// Input queues client keystrokes for the live exec stream and never blocks
// on the stream itself. Input arriving while no stream is attached is
// dropped. Queued input is written in arrival order.
func (b *Bridge) Input(data string) {
	a := b.attached()
	if a == nil {
		b.log.Debug("Dropping terminal input, no attachment")
		return
	}

	select {
	case a.input <- data:
	case <-a.done:
	default:
		b.log.WithField("container_id", a.containerID).Warn("Terminal input queue full, closing terminal")
		b.emit(Error("terminal input overflow"))
		a.finish(true)
	}
}

// Resize changes the TTY size of the live exec. Zero dimensions and
// failures are ignored.
func (b *Bridge) Resize(ctx context.Context, rows, cols uint16) {
	if rows == 0 || cols == 0 {
		return
	}
	a := b.attached()
	if a == nil {
		return
	}

	if err := b.sessions.ResizeTerminal(ctx, a.containerID, a.stream.ID(), uint(rows), uint(cols)); err != nil {
		b.log.WithError(err).WithField("container_id", a.containerID).Debug("Terminal resize failed")
	}
}

// Close ends the live attachment after the client went away. No events are
// emitted after Close returns. Close is idempotent.
func (b *Bridge) Close() {
	b.emitMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.emitMu.Unlock()
		return
	}
	b.closed = true
	a := b.current
	b.mu.Unlock()
	b.emitMu.Unlock()

	if a != nil {
		a.finish(false)
	}

	b.mu.Lock()
	b.current = nil
	b.state = StateClosed
	b.mu.Unlock()
}

func (b *Bridge) attached() *attachment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateAttached {
		return nil
	}
	return b.current
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.state = s
	}
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) emit(ev Event) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	if b.isClosed() {
		return
	}
	if err := b.emitter.Emit(ev); err != nil {
		b.log.WithError(err).WithField("event", ev.Name).Debug("Failed to emit event")
	}
}

// pump copies exec output to the client until the stream ends.
func (a *attachment) pump() {
	buf := make([]byte, ReadBufferSize)
	var carry []byte

	for {
		n, err := a.stream.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			out, rest := splitUTF8(chunk)
			carry = append([]byte(nil), rest...)
			if len(out) > 0 && !a.ending.Load() {
				a.bridge.emit(Output(string(out)))
			}
		}
		if err != nil {
			if len(carry) > 0 && !a.ending.Load() {
				a.bridge.emit(Output(string(carry)))
			}
			if !errors.Is(err, io.EOF) && !a.ending.Load() {
				a.bridge.log.WithError(err).WithField("container_id", a.containerID).Debug("Terminal stream read failed")
			}
			a.finish(true)
			return
		}
	}
}

// writeInput copies queued input to the exec stream until the attachment
// ends. A write blocked on a stalled shell is released by finish closing
// the stream.
func (a *attachment) writeInput() {
	b := a.bridge
	for {
		select {
		case <-a.done:
			return
		case data := <-a.input:
			if _, err := io.WriteString(a.stream, data); err != nil {
				if a.ending.Load() {
					return
				}
				b.log.WithError(err).WithField("container_id", a.containerID).Warn("Terminal write failed")
				b.emit(Error("failed to write to terminal"))
				a.finish(true)
				return
			}
			b.sessions.Touch(a.containerID)
		}
	}
}

// finish tears the attachment down exactly once. With notify set the client
// is told the terminal disconnected.
func (a *attachment) finish(notify bool) {
	a.once.Do(func() {
		a.ending.Store(true)
		close(a.done)
		b := a.bridge

		b.mu.Lock()
		if b.current == a {
			b.state = StateClosing
		}
		b.mu.Unlock()

		_ = a.stream.Close()
		b.sessions.Detach(a.containerID, a.owner)

		if notify {
			b.emit(Disconnected())
		}

		b.mu.Lock()
		if b.current == a {
			b.current = nil
			if !b.closed {
				b.state = StateClosed
			}
		}
		b.mu.Unlock()

		b.log.WithField("container_id", a.containerID).Info("Terminal detached")
	})
}

func attachErrorMessage(err error) string {
	if sandbox.IsNotFound(err) {
		return "container not found"
	}
	return "failed to attach terminal: " + err.Error()
}
