package link

import (
	"fmt"
	"sync"
)

// stream pumps one established socket: a read loop on its own goroutine and
// synchronous writes from callers.
type stream struct {
	m    *Manager
	sock *ownedSocket

	wmu     sync.Mutex
	stopped chan struct{}
	once    sync.Once
}

// newStream wraps s; the caller launches readLoop.
func newStream(m *Manager, s *ownedSocket) *stream {
	return &stream{m: m, sock: s, stopped: make(chan struct{})}
}

// stop closes the socket, which unblocks the pending Read.
func (s *stream) stop() {
	s.once.Do(func() {
		close(s.stopped)
		_ = s.sock.Close()
	})
}

func (s *stream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *stream) readLoop() {
	m := s.m
	defer s.sock.Close()

	buf := make([]byte, m.opts.ReadBufferSize)
	for {
		n, err := s.sock.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.metrics.read(n)
			m.sink.Notify(Event{Kind: EventDataReceived, Data: data, Remote: s.sock.Remote()})
		}
		if err != nil {
			if s.isStopped() {
				return
			}
			m.post(s.stopped, func() { m.handleStreamFailed(s, err) })
			return
		}
	}
}

// write sends b as a single write. A failed write is reported but leaves the
// connection up; only the read side detects a dead link.
func (s *stream) write(b []byte) error {
	m := s.m
	s.wmu.Lock()
	_, err := s.sock.Write(b)
	s.wmu.Unlock()
	if err != nil {
		m.log.Warn("[LINK] write failed", "remote", s.sock.Remote(), "bytes", len(b), "error", err)
		m.metrics.writeFailed()
		m.sink.Notify(Event{Kind: EventWriteFailed, Data: b, Remote: s.sock.Remote(), Err: err})
		return fmt.Errorf("link: write: %w", err)
	}
	m.metrics.wrote(len(b))
	m.sink.Notify(Event{Kind: EventWriteAcknowledged, Data: b, Remote: s.sock.Remote()})
	return nil
}
