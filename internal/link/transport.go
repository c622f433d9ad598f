// Package link maintains a single bidirectional byte stream to a remote peer.
// A Manager plays both roles on the same peer: it listens for inbound
// connections and, on request, dials out. Whichever side completes first
// becomes the one live connection; everything else is torn down.
package link

import (
	"context"
	"io"
	"sync"
)

// SPPUUID is the Serial Port Profile UUID used as the default service identifier.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

// Endpoint identifies a remote peer. Its format is transport specific
// (a Bluetooth address or BlueZ device path, a host:port, an in-memory name).
type Endpoint string

// Socket is an open byte stream to a remote peer.
type Socket interface {
	io.ReadWriteCloser
	// Remote returns the peer on the other end of the stream.
	Remote() Endpoint
}

// Listener accepts inbound sockets for an advertised service.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed.
	Accept() (Socket, error)
	// Close stops advertising and unblocks any pending Accept.
	Close() error
}

// Transport abstracts the radio and its stream sockets.
type Transport interface {
	// Enable powers on the radio.
	Enable() error
	// Disable powers off the radio.
	Disable() error
	// IsEnabled reports whether the radio is powered.
	IsEnabled() bool
	// Listen advertises serviceID and returns a listener for inbound sockets.
	Listen(ctx context.Context, serviceID string) (Listener, error)
	// Dial opens a socket to serviceID on ep. It blocks until the socket is
	// established, the attempt fails, or ctx is done.
	Dial(ctx context.Context, ep Endpoint, serviceID string) (Socket, error)
	// CancelDiscovery stops any device discovery in progress. Discovery
	// competes with connection setup for radio time.
	CancelDiscovery() error
}

// ownedSocket is the form in which sockets travel inside the package.
// Close is safe to call any number of times; only the first call reaches
// the transport.
type ownedSocket struct {
	Socket
	once sync.Once
	err  error
}

func own(s Socket) *ownedSocket {
	if o, ok := s.(*ownedSocket); ok {
		return o
	}
	return &ownedSocket{Socket: s}
}

func (s *ownedSocket) Close() error {
	first := false
	s.once.Do(func() {
		first = true
		s.err = s.Socket.Close()
	})
	if !first {
		return nil
	}
	return s.err
}
