package terminal

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hkuds/sandboxd/internal/sandbox"
)

const waitTimeout = 2 * time.Second

// recorder is an Emitter that keeps every event it is given.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) output() string {
	var sb strings.Builder
	for _, ev := range r.Events() {
		if ev.Name == EventOutput {
			sb.WriteString(ev.Data)
		}
	}
	return sb.String()
}

// waitUntil polls cond until it holds or the timeout expires.
func (r *recorder) waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for !cond() {
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %+v", what, r.Events())
		}
	}
}

func (r *recorder) waitOutput(t *testing.T, substr string) {
	t.Helper()
	r.waitUntil(t, "output "+substr, func() bool {
		return strings.Contains(r.output(), substr)
	})
}

func (r *recorder) waitEvent(t *testing.T, name string, n int) {
	t.Helper()
	r.waitUntil(t, name, func() bool { return r.count(name) >= n })
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestManager(t *testing.T) (*sandbox.Manager, *sandbox.MockEngine) {
	t.Helper()
	engine := sandbox.NewMockEngine()
	return sandbox.NewManager(engine, sandbox.DefaultConfig(), testLogger()), engine
}

func spawn(t *testing.T, m *sandbox.Manager) sandbox.Session {
	t.Helper()
	s, err := m.Spawn(context.Background(), "web-101", "")
	if err != nil {
		t.Fatalf("Spawn error = %v", err)
	}
	return s
}

func lastExec(t *testing.T, engine *sandbox.MockEngine) *sandbox.MockExec {
	t.Helper()
	execs := engine.Execs()
	if len(execs) == 0 {
		t.Fatal("no exec was opened")
	}
	return execs[len(execs)-1]
}

func TestAttachUnknownContainer(t *testing.T) {
	m, engine := newTestManager(t)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())

	err := b.Attach(context.Background(), "does-not-exist")
	if !sandbox.IsNotFound(err) {
		t.Fatalf("Attach error = %v, want not found", err)
	}

	events := rec.Events()
	if len(events) != 1 || events[0].Name != EventError || events[0].Message != "container not found" {
		t.Errorf("events = %+v, want one container not found error", events)
	}
	if len(engine.Execs()) != 0 {
		t.Error("no exec should be opened for an unknown container")
	}
	if b.State() != StateIdle {
		t.Errorf("State = %v, want idle", b.State())
	}
}

func TestAttachStreamsOutputAndInput(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	if b.State() != StateAttached {
		t.Errorf("State = %v, want attached", b.State())
	}
	if b.ContainerID() != s.ContainerID {
		t.Errorf("ContainerID = %q, want %q", b.ContainerID(), s.ContainerID)
	}
	rec.waitOutput(t, "root@"+s.ContainerID+":/# ")

	b.Input("whoami\r")
	b.Input("id\r")
	rec.waitOutput(t, "whoami\rid\r")

	x := lastExec(t, engine)
	if x.Input() != "whoami\rid\r" {
		t.Errorf("exec input = %q, want %q", x.Input(), "whoami\rid\r")
	}
	if got, _ := m.Get(s.ContainerID); !got.Attached {
		t.Error("session should be attached")
	}
}

func TestOutputKeepsMultibyteCharactersWhole(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	rec.waitOutput(t, ":/# ")

	x := lastExec(t, engine)
	euro := "€"
	x.Emit(euro[:1])
	x.Emit(euro[1:])
	rec.waitOutput(t, euro)

	for _, ev := range rec.Events() {
		if ev.Name == EventOutput && strings.ContainsRune(ev.Data, '\uFFFD') {
			t.Errorf("output event carries a replacement character: %q", ev.Data)
		}
	}
}

func TestResize(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()
	ctx := context.Background()

	b.Resize(ctx, 24, 80)
	if err := b.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	x := lastExec(t, engine)

	b.Resize(ctx, 40, 120)
	b.Resize(ctx, 0, 120)
	b.Resize(ctx, 40, 0)
	if sizes := x.Sizes(); len(sizes) != 1 || sizes[0] != [2]uint{40, 120} {
		t.Errorf("Sizes = %v, want [[40 120]]", sizes)
	}

	engine.SetError("resize", errors.New("no such exec"))
	b.Resize(ctx, 50, 150)
	if rec.count(EventError) != 0 {
		t.Error("resize failures should not be reported to the client")
	}
	if b.State() != StateAttached {
		t.Errorf("State = %v, want attached after failed resize", b.State())
	}
}

func TestStreamEndDisconnects(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	x := lastExec(t, engine)
	x.Emit("exit\r\n")
	x.End()

	rec.waitEvent(t, EventDisconnected, 1)
	rec.waitUntil(t, "closed state", func() bool { return b.State() == StateClosed })

	if !strings.Contains(rec.output(), "exit\r\n") {
		t.Errorf("output = %q, buffered output should be delivered before disconnect", rec.output())
	}
	if x.CloseCount() != 1 {
		t.Errorf("CloseCount = %d, want 1", x.CloseCount())
	}
	if got, _ := m.Get(s.ContainerID); got.Attached {
		t.Error("session should be released after the stream ends")
	}

	b.Input("ignored")
	if x.Input() != "" {
		t.Errorf("input after disconnect reached the exec: %q", x.Input())
	}
}

func TestCloseReleasesExecOnce(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())

	before := engine.ActiveExecs()
	if err := b.Attach(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	rec.waitOutput(t, ":/# ")
	x := lastExec(t, engine)

	b.Close()
	b.Close()

	if x.CloseCount() != 1 {
		t.Errorf("CloseCount = %d, want 1", x.CloseCount())
	}
	if engine.ActiveExecs() != before {
		t.Errorf("ActiveExecs = %d, want %d", engine.ActiveExecs(), before)
	}
	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed", b.State())
	}
	if rec.count(EventDisconnected) != 0 {
		t.Error("client-initiated close should not emit terminal-disconnected")
	}

	n := len(rec.Events())
	x.End()
	time.Sleep(20 * time.Millisecond)
	if len(rec.Events()) != n {
		t.Errorf("events emitted after Close: %+v", rec.Events()[n:])
	}

	if err := b.Attach(context.Background(), s.ContainerID); !errors.Is(err, ErrClosed) {
		t.Errorf("Attach after Close = %v, want ErrClosed", err)
	}
	if got, _ := m.Get(s.ContainerID); got.Attached {
		t.Error("session should be released after Close")
	}
}

func TestCloseWhileExecOpeningDiscardsStream(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())

	engine.BeforeExec = func(string) { b.Close() }

	err := b.Attach(context.Background(), s.ContainerID)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach error = %v, want ErrClosed", err)
	}
	x := lastExec(t, engine)
	if x.CloseCount() != 1 {
		t.Errorf("CloseCount = %d, want 1", x.CloseCount())
	}
	if engine.ActiveExecs() != 0 {
		t.Errorf("ActiveExecs = %d, want 0", engine.ActiveExecs())
	}
	if len(rec.Events()) != 0 {
		t.Errorf("events = %+v, want none", rec.Events())
	}
	if got, _ := m.Get(s.ContainerID); got.Attached {
		t.Error("discarded stream should not hold the session")
	}
}

func TestReattachAfterReset(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()
	ctx := context.Background()

	if err := b.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	first := lastExec(t, engine)

	if err := m.Reset(ctx, s.ContainerID); err != nil {
		t.Fatalf("Reset error = %v", err)
	}
	rec.waitEvent(t, EventDisconnected, 1)
	if first.CloseCount() != 1 {
		t.Errorf("first exec CloseCount = %d, want 1", first.CloseCount())
	}

	if err := b.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("re-Attach error = %v", err)
	}
	second := lastExec(t, engine)
	if second == first {
		t.Fatal("re-attach should open a new exec")
	}
	b.Input("pwd\r")
	rec.waitOutput(t, "pwd\r")
	if second.Input() != "pwd\r" {
		t.Errorf("second exec input = %q", second.Input())
	}
}

func TestTerminateNotifiesAttachedClient(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	if err := m.Terminate(context.Background(), s.ContainerID); err != nil {
		t.Fatalf("Terminate error = %v", err)
	}

	rec.waitEvent(t, EventDisconnected, 1)
	if x := lastExec(t, engine); x.CloseCount() != 1 {
		t.Errorf("CloseCount = %d, want 1", x.CloseCount())
	}

	if err := b.Attach(context.Background(), s.ContainerID); !sandbox.IsNotFound(err) {
		t.Errorf("Attach to terminated container = %v, want not found", err)
	}
}

func TestSecondClientReplacesFirst(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	ctx := context.Background()

	rec1 := newRecorder()
	b1 := NewBridge(m, rec1, testLogger())
	defer b1.Close()
	if err := b1.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("first Attach error = %v", err)
	}
	x1 := lastExec(t, engine)

	rec2 := newRecorder()
	b2 := NewBridge(m, rec2, testLogger())
	defer b2.Close()
	if err := b2.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("second Attach error = %v", err)
	}
	x2 := lastExec(t, engine)

	rec1.waitEvent(t, EventDisconnected, 1)
	if x1.CloseCount() != 1 {
		t.Errorf("first exec CloseCount = %d, want 1", x1.CloseCount())
	}
	if b1.State() != StateClosed {
		t.Errorf("first bridge State = %v, want closed", b1.State())
	}
	if b2.State() != StateAttached {
		t.Errorf("second bridge State = %v, want attached", b2.State())
	}
	if x2.Closed() {
		t.Error("second exec should stay open")
	}
	if rec2.count(EventDisconnected) != 0 {
		t.Error("second client should not be disconnected")
	}
	if got, _ := m.Get(s.ContainerID); !got.Attached {
		t.Error("session should remain attached to the second client")
	}
}

// closeWatcher notes whether the watched exec was already closed when the
// disconnect event arrived.
type closeWatcher struct {
	*recorder
	mu           sync.Mutex
	exec         *sandbox.MockExec
	closedBefore bool
}

func (w *closeWatcher) Emit(ev Event) error {
	if ev.Name == EventDisconnected {
		w.mu.Lock()
		w.closedBefore = w.exec != nil && w.exec.Closed()
		w.mu.Unlock()
	}
	return w.recorder.Emit(ev)
}

func TestReplacedClientToldAfterStreamCloses(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	ctx := context.Background()

	w := &closeWatcher{recorder: newRecorder()}
	b1 := NewBridge(m, w, testLogger())
	defer b1.Close()
	if err := b1.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("first Attach error = %v", err)
	}
	w.mu.Lock()
	w.exec = lastExec(t, engine)
	w.mu.Unlock()

	b2 := NewBridge(m, newRecorder(), testLogger())
	defer b2.Close()
	if err := b2.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("second Attach error = %v", err)
	}

	w.waitEvent(t, EventDisconnected, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closedBefore {
		t.Error("terminal-disconnected arrived before the first exec stream was closed")
	}
}

func TestSameBridgeReattachClosesPreviousQuietly(t *testing.T) {
	m, engine := newTestManager(t)
	s := spawn(t, m)
	rec := newRecorder()
	b := NewBridge(m, rec, testLogger())
	defer b.Close()
	ctx := context.Background()

	if err := b.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	first := lastExec(t, engine)
	if err := b.Attach(ctx, s.ContainerID); err != nil {
		t.Fatalf("second Attach error = %v", err)
	}

	if first.CloseCount() != 1 {
		t.Errorf("first exec CloseCount = %d, want 1", first.CloseCount())
	}
	if rec.count(EventDisconnected) != 0 {
		t.Error("replacing the bridge's own attachment should not emit terminal-disconnected")
	}
	if b.State() != StateAttached {
		t.Errorf("State = %v, want attached", b.State())
	}
	if engine.ActiveExecs() != 1 {
		t.Errorf("ActiveExecs = %d, want 1", engine.ActiveExecs())
	}
	if got, _ := m.Get(s.ContainerID); !got.Attached {
		t.Error("session should be attached")
	}
}

// brokenStream accepts no input and blocks reads until closed.
type brokenStream struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *brokenStream) ID() string { return "broken" }

func (s *brokenStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *brokenStream) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func (s *brokenStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeSessions hands out a single stream and accepts every binding.
type fakeSessions struct {
	stream  sandbox.ExecStream
	mu      sync.Mutex
	detachs int
}

func (f *fakeSessions) OpenTerminal(ctx context.Context, containerID string) (sandbox.ExecStream, error) {
	return f.stream, nil
}

func (f *fakeSessions) ResizeTerminal(ctx context.Context, containerID, execID string, rows, cols uint) error {
	return nil
}

func (f *fakeSessions) Attach(containerID, owner string, detach func()) error { return nil }

func (f *fakeSessions) Detach(containerID, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachs++
}

func (f *fakeSessions) Touch(containerID string) {}

func TestInputWriteFailureClosesAttachment(t *testing.T) {
	stream := &brokenStream{closed: make(chan struct{})}
	sessions := &fakeSessions{stream: stream}
	rec := newRecorder()
	b := NewBridge(sessions, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), "c1"); err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	b.Input("ls\r")

	rec.waitEvent(t, EventDisconnected, 1)
	rec.waitUntil(t, "closed state", func() bool { return b.State() == StateClosed })
	events := rec.Events()
	if len(events) != 2 || events[0].Name != EventError || events[1].Name != EventDisconnected {
		t.Fatalf("events = %+v, want error then terminal-disconnected", events)
	}
	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed", b.State())
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if sessions.detachs != 1 {
		t.Errorf("Detach called %d times, want 1", sessions.detachs)
	}
}

// stalledStream models a shell that stopped reading its stdin: writes
// block until the stream is closed.
type stalledStream struct {
	closed    chan struct{}
	closeOnce sync.Once
	writing   chan struct{}
	writeOnce sync.Once
}

func newStalledStream() *stalledStream {
	return &stalledStream{closed: make(chan struct{}), writing: make(chan struct{})}
}

func (s *stalledStream) ID() string { return "stalled" }

func (s *stalledStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *stalledStream) Write(p []byte) (int, error) {
	s.writeOnce.Do(func() { close(s.writing) })
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *stalledStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// within fails the test if fn does not return in time.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("%s blocked", what)
	}
}

func TestInputDoesNotBlockOnStalledStream(t *testing.T) {
	stream := newStalledStream()
	sessions := &fakeSessions{stream: stream}
	rec := newRecorder()
	b := NewBridge(sessions, rec, testLogger())

	if err := b.Attach(context.Background(), "c1"); err != nil {
		t.Fatalf("Attach error = %v", err)
	}

	within(t, "Input", func() {
		b.Input("cat\r")
		b.Input("more\r")
	})
	select {
	case <-stream.writing:
	case <-time.After(waitTimeout):
		t.Fatal("input never reached the stream")
	}

	within(t, "Close", b.Close)
	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed", b.State())
	}
	if n := rec.count(EventError); n != 0 {
		t.Errorf("got %d error events, a client-side close should be quiet", n)
	}
}

func TestInputQueueOverflowClosesTerminal(t *testing.T) {
	stream := newStalledStream()
	sessions := &fakeSessions{stream: stream}
	rec := newRecorder()
	b := NewBridge(sessions, rec, testLogger())
	defer b.Close()

	if err := b.Attach(context.Background(), "c1"); err != nil {
		t.Fatalf("Attach error = %v", err)
	}

	within(t, "Input", func() {
		for i := 0; i < InputQueueLength+2; i++ {
			b.Input("x")
		}
	})

	rec.waitEvent(t, EventDisconnected, 1)
	var overflow bool
	for _, ev := range rec.Events() {
		if ev.Name == EventError && ev.Message == "terminal input overflow" {
			overflow = true
		}
	}
	if !overflow {
		t.Errorf("events = %+v, want an input overflow error", rec.Events())
	}
	rec.waitUntil(t, "closed state", func() bool { return b.State() == StateClosed })
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateAttaching: "attaching",
		StateAttached:  "attached",
		StateClosing:   "closing",
		StateClosed:    "closed",
		State(42):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
