package link

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

var (
	// ErrNotConnected is returned by Write when no stream is established.
	ErrNotConnected = errors.New("link: not connected")
	// ErrNoTransport is returned by NewManager when no transport is available.
	ErrNoTransport = errors.New("link: no transport")
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("link: manager closed")
	// ErrRadioOff is returned by transports asked to listen or dial while
	// the radio is powered off.
	ErrRadioOff = errors.New("link: radio is off")
)

type workerKind int

const (
	kindListener workerKind = iota
	kindDialer
	kindStream
	numWorkerKinds
)

func (k workerKind) String() string {
	switch k {
	case kindListener:
		return "listener"
	case kindDialer:
		return "dialer"
	case kindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Manager owns the link's role state and its workers.
//
// Every state transition runs on a single coordinator goroutine, fed through
// a command channel. Caller operations (Start, Stop, Dial) wait until the
// coordinator has applied them; worker reports (accepted, dialed, failed) are
// posted without waiting. The coordinator never blocks on I/O, so transitions
// stay responsive while workers sit in Accept, Dial or Read.
type Manager struct {
	transport Transport
	sink      Sink
	opts      Options
	log       *slog.Logger
	clock     clock.Clock
	metrics   *Metrics

	state   atomic.Int32
	live    [numWorkerKinds]atomic.Int32
	workers sync.WaitGroup
	// writer is the current stream while connected, for Write.
	writer atomic.Pointer[stream]

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the coordinator goroutine.
	listener *listenWorker
	dialer   *dialWorker
	stream   *stream
	closed   bool
}

// NewManager creates a Manager in StateNone. Events are delivered to sink,
// which may be nil.
func NewManager(t Transport, sink Sink, opts Options) (*Manager, error) {
	if t == nil {
		return nil, ErrNoTransport
	}
	if sink == nil {
		sink = discard{}
	}
	opts = opts.withDefaults()
	m := &Manager{
		transport: t,
		sink:      sink,
		opts:      opts,
		log:       opts.Logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		cmds:      make(chan func(), 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.metrics.setState(StateNone)
	go m.run()
	return m, nil
}

// Start begins listening for inbound connections. Any dial in flight and any
// established stream are torn down. Calling Start while already listening
// keeps the running listener.
func (m *Manager) Start() {
	m.exec(m.start)
}

// Stop tears down every worker and returns to StateNone.
func (m *Manager) Stop() {
	m.exec(m.stop)
}

// Dial starts an outbound connection attempt to ep, replacing any attempt in
// flight. The listener keeps running, so an inbound connection may still win.
func (m *Manager) Dial(ep Endpoint) error {
	if ep == "" {
		return errors.New("link: empty endpoint")
	}
	ran := false
	if !m.exec(func() { ran = m.dial(ep) }) || !ran {
		return ErrClosed
	}
	return nil
}

// Write sends b on the established stream. It blocks until the transport has
// accepted the bytes.
func (m *Manager) Write(b []byte) error {
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}
	s := m.writer.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.write(b)
}

// State returns the current role state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsEnabled reports whether the radio is powered.
func (m *Manager) IsEnabled() bool {
	return m.transport.IsEnabled()
}

// Enable powers on the radio.
func (m *Manager) Enable() error {
	if err := m.transport.Enable(); err != nil {
		return fmt.Errorf("link: enable radio: %w", err)
	}
	return nil
}

// Disable powers off the radio.
func (m *Manager) Disable() error {
	if err := m.transport.Disable(); err != nil {
		return fmt.Errorf("link: disable radio: %w", err)
	}
	return nil
}

// Close stops the manager and its coordinator. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			m.closed = true
			m.stop()
			m.drain()
			return
		}
	}
}

// drain keeps running commands until every worker has exited. A worker
// caught mid-handoff still posts its socket, and the handler closes it
// because stop cleared the worker handles. No worker starts once closed is
// set, so the wait ends.
func (m *Manager) drain() {
	idle := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(idle)
	}()
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-idle:
			for {
				select {
				case fn := <-m.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// exec runs fn on the coordinator and waits for it. It reports false if the
// manager closed before fn ran.
func (m *Manager) exec(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	ran := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(ran) }:
	case <-m.quit:
		return false
	}
	select {
	case <-ran:
		return true
	case <-m.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// post hands fn to the coordinator without waiting. Workers use it to report;
// it gives up once the worker is cancelled or the manager closes.
func (m *Manager) post(cancelled <-chan struct{}, fn func()) bool {
	select {
	case <-cancelled:
		return false
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.cmds <- fn:
		return true
	case <-cancelled:
		return false
	case <-m.quit:
		return false
	}
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	m.log.Debug("[LINK] state", "from", prev, "to", s)
	m.metrics.setState(s)
	m.sink.Notify(Event{Kind: EventStateChanged, State: s})
}

func (m *Manager) start() {
	if m.closed {
		return
	}
	m.cancelDialer()
	m.cancelStream()
	if m.listener == nil {
		m.listener = m.spawnListener()
	}
	m.setState(StateListen)
}

func (m *Manager) stop() {
	m.cancelDialer()
	m.cancelStream()
	m.cancelListener()
	m.setState(StateNone)
}

// dial reports false when the manager is closed and nothing was started.
func (m *Manager) dial(ep Endpoint) bool {
	if m.closed {
		return false
	}
	if m.State() == StateConnecting {
		m.cancelDialer()
	}
	m.cancelStream()
	m.dialer = m.spawnDialer(ep)
	m.setState(StateConnecting)
	return true
}

// connected replaces every worker with a stream over s. StateChanged goes
// out before the read loop starts, so no DataReceived precedes it.
func (m *Manager) connected(s *ownedSocket) {
	m.cancelDialer()
	m.cancelListener()
	m.cancelStream()
	m.stream = newStream(m, s)
	m.writer.Store(m.stream)
	m.log.Info("[LINK] connected", "remote", s.Remote())
	m.setState(StateConnected)
	m.launch(kindStream, m.stream.readLoop)
}

func (m *Manager) handleAccepted(w *listenWorker, s *ownedSocket) {
	if w != m.listener {
		m.log.Debug("[LINK] closing socket from replaced listener", "remote", s.Remote())
		_ = s.Close()
		return
	}
	switch m.State() {
	case StateListen, StateConnecting:
		m.connected(s)
	default:
		m.log.Debug("[LINK] rejecting inbound socket", "remote", s.Remote(), "state", m.State())
		_ = s.Close()
	}
}

func (m *Manager) handleDialed(w *dialWorker, s *ownedSocket) {
	if w != m.dialer {
		m.log.Debug("[LINK] closing socket from replaced dialer", "remote", s.Remote())
		_ = s.Close()
		return
	}
	m.connected(s)
}

func (m *Manager) handleDialFailed(w *dialWorker, err error) {
	if w != m.dialer {
		return
	}
	m.cancelDialer()
	m.log.Warn("[LINK] dial failed, resuming listen", "remote", w.remote, "error", err)
	m.metrics.dialFailed()
	m.sink.Notify(Event{Kind: EventConnectionFailed, Remote: w.remote, Err: err})
	m.start()
}

func (m *Manager) handleStreamFailed(s *stream, err error) {
	if s != m.stream {
		return
	}
	m.log.Warn("[LINK] connection lost, resuming listen", "remote", s.sock.Remote(), "error", err)
	m.start()
}

// handleListenerExit clears a listener whose loop has ended on its own so the
// next Start binds a fresh one. bindErr is set when setup never succeeded.
func (m *Manager) handleListenerExit(w *listenWorker, bindErr error) {
	if w != m.listener {
		return
	}
	m.cancelListener()
	if bindErr != nil {
		m.sink.Notify(Event{Kind: EventListenFailed, Err: bindErr})
	}
}

func (m *Manager) cancelListener() {
	if m.listener != nil {
		m.listener.cancel()
		m.listener = nil
	}
}

func (m *Manager) cancelDialer() {
	if m.dialer != nil {
		m.dialer.cancel()
		m.dialer = nil
	}
}

func (m *Manager) cancelStream() {
	if m.stream != nil {
		m.writer.Store(nil)
		m.stream.stop()
		m.stream = nil
	}
}

// launch runs fn on its own goroutine and counts it as a live worker of kind k
// until it returns.
func (m *Manager) launch(k workerKind, fn func()) {
	m.live[k].Add(1)
	m.workers.Add(1)
	m.metrics.workerDelta(k, 1)
	go func() {
		defer func() {
			m.live[k].Add(-1)
			m.metrics.workerDelta(k, -1)
			m.workers.Done()
		}()
		fn()
	}()
}

// liveWorkers returns the number of worker goroutines still running.
func (m *Manager) liveWorkers() (listeners, dialers, streams int) {
	return int(m.live[kindListener].Load()), int(m.live[kindDialer].Load()), int(m.live[kindStream].Load())
}
