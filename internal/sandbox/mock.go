package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// MockEngine is an in-memory Engine for tests. Exec streams behave like an
// echoing TTY that prints a prompt when opened.
type MockEngine struct {
	mu sync.Mutex

	// Containers tracks the state of mock containers by ID.
	Containers map[string]*MockContainer

	// Images lists images reported as present locally.
	Images map[string]bool

	// Errors injects failures by operation name: ping, inspect-image, pull,
	// create, start, inspect, stop, restart, remove, exec, resize.
	Errors map[string]error

	// BeforeExec, if set, runs at the start of every Exec call.
	BeforeExec func(containerID string)

	// CallLog records operation names in call order.
	CallLog []string

	seq     int
	execSeq int
	execs   map[string]*MockExec
	active  atomic.Int32
}

// MockContainer is the mock state of one container.
type MockContainer struct {
	ID        string
	Spec      ContainerSpec
	IPAddress string
	Running   bool
	Restarts  int
}

// NewMockEngine creates an empty mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Containers: make(map[string]*MockContainer),
		Images:     make(map[string]bool),
		Errors:     make(map[string]error),
		execs:      make(map[string]*MockExec),
	}
}

// SetError sets an error to be returned for a specific operation.
func (m *MockEngine) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[op] = err
}

// ActiveExecs returns the number of exec streams opened and not yet closed.
func (m *MockEngine) ActiveExecs() int {
	return int(m.active.Load())
}

// ExecByID returns the mock exec with the given ID.
func (m *MockEngine) ExecByID(id string) *MockExec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[id]
}

// Execs returns every exec opened so far, in order.
func (m *MockEngine) Execs() []*MockExec {
	m.mu.Lock()
	defer m.mu.Unlock()
	execs := make([]*MockExec, 0, len(m.execs))
	for i := 1; i <= m.execSeq; i++ {
		if x, ok := m.execs[fmt.Sprintf("exec-%d", i)]; ok {
			execs = append(execs, x)
		}
	}
	return execs
}

// Container returns a copy of the container state and whether it exists.
func (m *MockEngine) Container(id string) (MockContainer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Containers[id]
	if !ok {
		return MockContainer{}, false
	}
	return *c, true
}

// Calls returns a copy of the call log.
func (m *MockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

func (m *MockEngine) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, op)
	return m.Errors[op]
}

func (m *MockEngine) Ping(ctx context.Context) error {
	return m.record("ping")
}

func (m *MockEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	if err := m.record("inspect-image"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Images[image], nil
}

func (m *MockEngine) PullImage(ctx context.Context, image string) error {
	if err := m.record("pull"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[image] = true
	return nil
}

func (m *MockEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := m.record("create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Containers {
		if spec.Name != "" && c.Spec.Name == spec.Name {
			return "", fmt.Errorf("conflict: container name %q is already in use by %s", spec.Name, c.ID)
		}
	}
	m.seq++
	id := fmt.Sprintf("c%d", m.seq)
	m.Containers[id] = &MockContainer{
		ID:        id,
		Spec:      spec,
		IPAddress: fmt.Sprintf("172.17.%d.%d", m.seq/250, m.seq%250+2),
	}
	return id, nil
}

func (m *MockEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := m.record("start"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.Running = true
	return nil
}

func (m *MockEngine) InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error) {
	if err := m.record("inspect"); err != nil {
		return ContainerInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Containers[containerID]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("no such container: %s", containerID)
	}
	return ContainerInfo{ID: c.ID, Name: c.Spec.Name, IPAddress: c.IPAddress, Running: c.Running}, nil
}

func (m *MockEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if err := m.record("stop"); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.Containers[containerID]
	if ok {
		c.Running = false
	}
	m.mu.Unlock()
	m.endExecs(containerID)
	return nil
}

func (m *MockEngine) RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if err := m.record("restart"); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.Containers[containerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.Running = true
	c.Restarts++
	m.mu.Unlock()
	m.endExecs(containerID)
	return nil
}

func (m *MockEngine) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.record("remove"); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.Containers, containerID)
	m.mu.Unlock()
	m.endExecs(containerID)
	return nil
}

func (m *MockEngine) Exec(ctx context.Context, containerID string, cmd []string) (ExecStream, error) {
	if m.BeforeExec != nil {
		m.BeforeExec(containerID)
	}
	if err := m.record("exec"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	c, ok := m.Containers[containerID]
	if !ok || !c.Running {
		m.mu.Unlock()
		return nil, fmt.Errorf("container %s is not running", containerID)
	}
	m.execSeq++
	x := newMockExec(fmt.Sprintf("exec-%d", m.execSeq), containerID, cmd, m)
	m.execs[x.id] = x
	m.mu.Unlock()

	m.active.Add(1)
	x.out <- []byte("root@" + containerID + ":/# ")
	return x, nil
}

func (m *MockEngine) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	if err := m.record("resize"); err != nil {
		return err
	}
	m.mu.Lock()
	x, ok := m.execs[execID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such exec: %s", execID)
	}
	x.mu.Lock()
	x.sizes = append(x.sizes, [2]uint{rows, cols})
	x.mu.Unlock()
	return nil
}

func (m *MockEngine) Close() error {
	return nil
}

// endExecs simulates the container's processes exiting.
func (m *MockEngine) endExecs(containerID string) {
	m.mu.Lock()
	var targets []*MockExec
	for _, x := range m.execs {
		if x.containerID == containerID {
			targets = append(targets, x)
		}
	}
	m.mu.Unlock()
	for _, x := range targets {
		x.End()
	}
}

// MockExec is an echoing mock TTY exec stream.
type MockExec struct {
	id          string
	containerID string
	cmd         []string
	engine      *MockEngine

	out     chan []byte
	pending []byte

	eof     chan struct{}
	eofOnce sync.Once
	closed  chan struct{}
	closes  atomic.Int32

	mu    sync.Mutex
	input bytes.Buffer
	sizes [][2]uint
}

func newMockExec(id, containerID string, cmd []string, engine *MockEngine) *MockExec {
	return &MockExec{
		id:          id,
		containerID: containerID,
		cmd:         cmd,
		engine:      engine,
		out:         make(chan []byte, 256),
		eof:         make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (x *MockExec) ID() string { return x.id }

// ContainerID returns the container the exec runs in.
func (x *MockExec) ContainerID() string { return x.containerID }

// Cmd returns the command the exec was started with.
func (x *MockExec) Cmd() []string { return x.cmd }

func (x *MockExec) Read(p []byte) (int, error) {
	if len(x.pending) > 0 {
		n := copy(p, x.pending)
		x.pending = x.pending[n:]
		return n, nil
	}
	select {
	case b := <-x.out:
		return x.deliver(p, b), nil
	case <-x.closed:
		return 0, io.ErrClosedPipe
	case <-x.eof:
		select {
		case b := <-x.out:
			return x.deliver(p, b), nil
		default:
			return 0, io.EOF
		}
	}
}

func (x *MockExec) deliver(p, b []byte) int {
	n := copy(p, b)
	x.pending = b[n:]
	return n
}

// Write records the input and echoes it back as output.
func (x *MockExec) Write(p []byte) (int, error) {
	select {
	case <-x.closed:
		return 0, io.ErrClosedPipe
	case <-x.eof:
		return 0, io.ErrClosedPipe
	default:
	}

	x.mu.Lock()
	x.input.Write(p)
	x.mu.Unlock()

	echo := append([]byte(nil), p...)
	select {
	case x.out <- echo:
	case <-x.closed:
	case <-x.eof:
	}
	return len(p), nil
}

// Close releases the exec. Only the first call decrements the engine's
// active exec count; CloseCount records every call.
func (x *MockExec) Close() error {
	if x.closes.Add(1) == 1 {
		close(x.closed)
		x.engine.active.Add(-1)
	}
	return nil
}

// End simulates the exec process exiting: readers drain buffered output
// and then see io.EOF.
func (x *MockExec) End() {
	x.eofOnce.Do(func() { close(x.eof) })
}

// Emit queues output as if the process had written it.
func (x *MockExec) Emit(data string) {
	select {
	case x.out <- []byte(data):
	case <-x.closed:
	case <-x.eof:
	}
}

// CloseCount returns how many times Close was called.
func (x *MockExec) CloseCount() int {
	return int(x.closes.Load())
}

// Closed reports whether Close has been called.
func (x *MockExec) Closed() bool {
	return x.CloseCount() > 0
}

// Input returns everything written to the exec so far.
func (x *MockExec) Input() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.input.String()
}

// Sizes returns the resize requests received, as (rows, cols) pairs.
func (x *MockExec) Sizes() [][2]uint {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([][2]uint(nil), x.sizes...)
}
