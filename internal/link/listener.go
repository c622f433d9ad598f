package link

import (
	"context"
	"fmt"
)

// listenWorker binds the service and accepts inbound sockets until cancelled.
type listenWorker struct {
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
}

func (m *Manager) spawnListener() *listenWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &listenWorker{m: m, ctx: ctx, cancel: cancel}
	m.launch(kindListener, w.run)
	return w
}

func (w *listenWorker) run() {
	m := w.m
	ln, err := w.bind()
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		m.log.Error("[LINK] listen failed", "service", m.opts.ServiceID, "error", err)
		m.post(w.ctx.Done(), func() { m.handleListenerExit(w, err) })
		return
	}

	// Closing the listener is what unblocks Accept on cancellation.
	stop := context.AfterFunc(w.ctx, func() { _ = ln.Close() })
	defer func() {
		if stop() {
			_ = ln.Close()
		}
	}()

	m.log.Debug("[LINK] listening", "service", m.opts.ServiceID)
	for {
		s, err := ln.Accept()
		if err != nil {
			if w.ctx.Err() == nil {
				m.log.Warn("[LINK] accept failed, listener stopped", "error", err)
				m.post(w.ctx.Done(), func() { m.handleListenerExit(w, nil) })
			}
			return
		}
		sock := own(s)
		m.log.Debug("[LINK] accepted", "remote", sock.Remote())
		if !m.post(w.ctx.Done(), func() { m.handleAccepted(w, sock) }) {
			_ = sock.Close()
			return
		}
	}
}

// bind sets up the listener, retrying with backoff up to ListenRetries times.
func (w *listenWorker) bind() (Listener, error) {
	m := w.m
	for attempt := 0; ; attempt++ {
		ln, err := m.transport.Listen(w.ctx, m.opts.ServiceID)
		if err == nil {
			return ln, nil
		}
		if w.ctx.Err() != nil {
			return nil, w.ctx.Err()
		}
		if attempt >= m.opts.ListenRetries {
			return nil, fmt.Errorf("link: listen on %s after %d attempts: %w", m.opts.ServiceID, attempt+1, err)
		}
		delay := backoffDelay(attempt, m.opts.ListenBackoffMax)
		m.log.Warn("[LINK] listen setup failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		t := m.clock.Timer(delay)
		select {
		case <-t.C:
		case <-w.ctx.Done():
			t.Stop()
			return nil, w.ctx.Err()
		}
	}
}
