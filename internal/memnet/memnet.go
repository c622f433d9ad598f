// Package memnet is an in-process link.Transport built on net.Pipe. Nodes
// attached to the same Network can listen for and dial each other by name.
// It stands in for the radio in tests and demos.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"

	"github.com/chaz8081/btlink/internal/link"
)

var (
	// ErrRefused is returned when nothing listens on the dialed service.
	ErrRefused = errors.New("memnet: connection refused")
	// ErrServiceInUse is returned when a node already listens on a service.
	ErrServiceInUse = errors.New("memnet: service already advertised")
)

type serviceKey struct {
	node    link.Endpoint
	service string
}

// Network connects nodes.
type Network struct {
	mu        sync.Mutex
	listeners map[serviceKey]*listener
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[serviceKey]*listener)}
}

// Node attaches a transport named name to the network. Its radio starts enabled.
func (n *Network) Node(name string) *Transport {
	return &Transport{
		network: n,
		name:    link.Endpoint(name),
		enabled: true,
		conns:   make(map[*conn]struct{}),
	}
}

func (n *Network) lookup(k serviceKey) *listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[k]
}

// Transport is one node on a Network.
type Transport struct {
	network *Network
	name    link.Endpoint

	mu        sync.Mutex
	enabled   bool
	discovery int
	dialErr   error
	conns     map[*conn]struct{}
	listeners []*listener
}

var _ link.Transport = (*Transport)(nil)

// Name returns the endpoint other nodes dial to reach this one.
func (t *Transport) Name() link.Endpoint { return t.name }

func (t *Transport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	return nil
}

// Disable powers the radio off and drops every listener and connection of
// this node, like switching off a real adapter.
func (t *Transport) Disable() error {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
	return t.Close()
}

func (t *Transport) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// CancelDiscovery records the call; there is no discovery to cancel.
func (t *Transport) CancelDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovery++
	return nil
}

// DiscoveryCancels reports how often CancelDiscovery was called.
func (t *Transport) DiscoveryCancels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovery
}

// FailDials makes every Dial from this node fail with err until it is
// called again with nil.
func (t *Transport) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *Transport) Listen(_ context.Context, serviceID string) (link.Listener, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("memnet: listen %s: %w", t.name, link.ErrRadioOff)
	}
	k := serviceKey{node: t.name, service: serviceID}
	l := &listener{
		network:  t.network,
		key:      k,
		owner:    t,
		incoming: make(chan *conn),
		closed:   make(chan struct{}),
	}

	t.network.mu.Lock()
	if _, ok := t.network.listeners[k]; ok {
		t.network.mu.Unlock()
		return nil, fmt.Errorf("memnet: listen %s/%s: %w", t.name, serviceID, ErrServiceInUse)
	}
	t.network.listeners[k] = l
	t.network.mu.Unlock()

	t.mu.Lock()
	open := t.listeners[:0]
	for _, old := range t.listeners {
		if !old.isClosed() {
			open = append(open, old)
		}
	}
	t.listeners = append(open, l)
	t.mu.Unlock()
	return l, nil
}

// Dial connects to serviceID on node ep. It blocks until the remote listener
// accepts, the listener closes, or ctx is done.
func (t *Transport) Dial(ctx context.Context, ep link.Endpoint, serviceID string) (link.Socket, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("memnet: dial %s: %w", ep, link.ErrRadioOff)
	}
	t.mu.Lock()
	injected := t.dialErr
	t.mu.Unlock()
	if injected != nil {
		return nil, fmt.Errorf("memnet: dial %s: %w", ep, injected)
	}
	l := t.network.lookup(serviceKey{node: ep, service: serviceID})
	if l == nil {
		return nil, fmt.Errorf("memnet: dial %s: %w", ep, ErrRefused)
	}

	c1, c2 := net.Pipe()
	srv := &conn{Conn: c1, remote: t.name}
	cli := &conn{Conn: c2, remote: ep}
	select {
	case l.incoming <- srv:
	case <-l.closed:
		_ = multierr.Combine(c1.Close(), c2.Close())
		return nil, fmt.Errorf("memnet: dial %s: %w", ep, ErrRefused)
	case <-ctx.Done():
		_ = multierr.Combine(c1.Close(), c2.Close())
		return nil, ctx.Err()
	}
	t.track(cli)
	return cli, nil
}

func (t *Transport) track(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.owner = t
	t.conns[c] = struct{}{}
}

func (t *Transport) untrack(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

// Close closes every listener and connection the node still holds.
func (t *Transport) Close() error {
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = nil
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type listener struct {
	network   *Network
	key       serviceKey
	owner     *Transport
	incoming  chan *conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (link.Socket, error) {
	select {
	case c := <-l.incoming:
		if l.owner != nil {
			l.owner.track(c)
		}
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *listener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		if l.network.listeners[l.key] == l {
			delete(l.network.listeners, l.key)
		}
		l.network.mu.Unlock()
	})
	return nil
}

type conn struct {
	net.Conn
	remote link.Endpoint
	owner  *Transport
}

func (c *conn) Remote() link.Endpoint { return c.remote }

func (c *conn) Close() error {
	if c.owner != nil {
		c.owner.untrack(c)
	}
	return c.Conn.Close()
}
