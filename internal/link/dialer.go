package link

import "context"

// dialWorker makes one outbound connection attempt.
type dialWorker struct {
	m      *Manager
	remote Endpoint
	ctx    context.Context
	cancel context.CancelFunc
}

func (m *Manager) spawnDialer(ep Endpoint) *dialWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &dialWorker{m: m, remote: ep, ctx: ctx, cancel: cancel}
	m.launch(kindDialer, w.run)
	return w
}

func (w *dialWorker) run() {
	m := w.m
	if err := m.transport.CancelDiscovery(); err != nil {
		m.log.Debug("[LINK] cancel discovery", "error", err)
	}

	ctx := w.ctx
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = m.clock.WithTimeout(w.ctx, m.opts.DialTimeout)
		defer cancel()
	}

	m.log.Debug("[LINK] dialing", "remote", w.remote)
	s, err := m.transport.Dial(ctx, w.remote, m.opts.ServiceID)
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		if w.ctx.Err() != nil {
			return
		}
		m.post(w.ctx.Done(), func() { m.handleDialFailed(w, err) })
		return
	}

	sock := own(s)
	if !m.post(w.ctx.Done(), func() { m.handleDialed(w, sock) }) {
		_ = sock.Close()
	}
}
