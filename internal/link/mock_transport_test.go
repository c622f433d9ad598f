package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

var errListenerClosed = errors.New("mock: listener closed")

// mockSocket delivers queued reads and records writes.
type mockSocket struct {
	remote Endpoint

	reads  chan []byte
	hangup chan struct{} // closed to simulate the remote going away
	hangMu sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newMockSocket(remote Endpoint) *mockSocket {
	return &mockSocket{
		remote: remote,
		reads:  make(chan []byte, 8),
		hangup: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *mockSocket) Read(p []byte) (int, error) {
	select {
	case b := <-s.reads:
		return copy(p, b), nil
	case <-s.hangup:
		return 0, io.EOF
	case <-s.closed:
		return 0, errors.New("mock: read on closed socket")
	}
}

// Write keeps b itself, not a copy, so tests can check identity.
func (s *mockSocket) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, b)
	return len(b), nil
}

func (s *mockSocket) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *mockSocket) Remote() Endpoint { return s.remote }

// SimulateHangup makes the pending and every later Read fail with io.EOF.
func (s *mockSocket) SimulateHangup() {
	s.hangMu.Do(func() { close(s.hangup) })
}

func (s *mockSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *mockSocket) writesCopy() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// mockListener hands out sockets pushed by the test.
type mockListener struct {
	conns     chan Socket
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockListener() *mockListener {
	return &mockListener{conns: make(chan Socket), closed: make(chan struct{})}
}

func (l *mockListener) Accept() (Socket, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *mockListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *mockListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// mockTransport simulates the radio. Dial blocks until ctx is done unless
// dialFn is set.
type mockTransport struct {
	mu           sync.Mutex
	enabled      bool
	listenFails  int // remaining Listen calls that fail
	listeners    []*mockListener
	dialFn       func(ctx context.Context, ep Endpoint) (Socket, error)
	listenCalls  atomic.Int32
	dialCalls    atomic.Int32
	discoveryOff atomic.Int32
}

func newMockTransport() *mockTransport {
	return &mockTransport{enabled: true}
}

func (t *mockTransport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	return nil
}

func (t *mockTransport) Disable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	return nil
}

func (t *mockTransport) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *mockTransport) Listen(_ context.Context, _ string) (Listener, error) {
	t.listenCalls.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenFails > 0 {
		t.listenFails--
		return nil, errors.New("mock: service channel busy")
	}
	l := newMockListener()
	t.listeners = append(t.listeners, l)
	return l, nil
}

func (t *mockTransport) Dial(ctx context.Context, ep Endpoint, _ string) (Socket, error) {
	t.dialCalls.Add(1)
	t.mu.Lock()
	fn := t.dialFn
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, ep)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *mockTransport) CancelDiscovery() error {
	t.discoveryOff.Add(1)
	return nil
}

func (t *mockTransport) setDialFn(fn func(ctx context.Context, ep Endpoint) (Socket, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialFn = fn
}

// openListener returns the most recent listener that is still open, or nil.
func (t *mockTransport) openListener() *mockListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.listeners) - 1; i >= 0; i-- {
		if !t.listeners[i].isClosed() {
			return t.listeners[i]
		}
	}
	return nil
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(k EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.ofKind(EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*mockTransport)(nil)
	var _ Listener = (*mockListener)(nil)
	var _ Socket = (*mockSocket)(nil)
}
