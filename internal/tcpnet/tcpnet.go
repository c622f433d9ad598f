// Package tcpnet carries a link over TCP, for hosts without a Bluetooth
// radio. Endpoints are host:port strings. TCP has no service registry, so the
// listen address stands in for the advertised service and the service
// identifier is not checked.
package tcpnet

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/chaz8081/btlink/internal/link"
)

// Transport listens on a fixed address and dials peers directly.
type Transport struct {
	listenAddr string
	dialer     net.Dialer

	mu      sync.Mutex
	enabled bool
}

var _ link.Transport = (*Transport)(nil)

// New creates a transport that listens on listenAddr (e.g. ":7320").
func New(listenAddr string) *Transport {
	return &Transport{listenAddr: listenAddr, enabled: true}
}

// Enable lets the transport listen and dial again.
func (t *Transport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	return nil
}

// Disable makes Listen and Dial fail with link.ErrRadioOff. Existing
// connections are left alone.
func (t *Transport) Disable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	return nil
}

func (t *Transport) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Transport) CancelDiscovery() error { return nil }

func (t *Transport) Listen(ctx context.Context, _ string) (link.Listener, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("tcpnet: listen %s: %w", t.listenAddr, link.ErrRadioOff)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: listen %s: %w", t.listenAddr, err)
	}
	return &Listener{ln: ln}, nil
}

func (t *Transport) Dial(ctx context.Context, ep link.Endpoint, _ string) (link.Socket, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("tcpnet: dial %s: %w", ep, link.ErrRadioOff)
	}
	c, err := t.dialer.DialContext(ctx, "tcp", string(ep))
	if err != nil {
		return nil, fmt.Errorf("tcpnet: dial %s: %w", ep, err)
	}
	return &conn{Conn: c, remote: ep}, nil
}

// Listener wraps a TCP listener.
type Listener struct {
	ln net.Listener
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Accept() (link.Socket, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, remote: link.Endpoint(c.RemoteAddr().String())}, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

type conn struct {
	net.Conn
	remote link.Endpoint
}

func (c *conn) Remote() link.Endpoint { return c.remote }
