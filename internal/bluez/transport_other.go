//go:build !linux

package bluez

import (
	"context"

	"github.com/chaz8081/btlink/internal/link"
)

// Transport is unavailable off Linux; New always fails.
type Transport struct{}

var _ link.Transport = (*Transport)(nil)

func New(Options) (*Transport, error) { return nil, ErrUnsupported }

func (t *Transport) Address() string        { return "" }
func (t *Transport) Enable() error          { return ErrUnsupported }
func (t *Transport) Disable() error         { return ErrUnsupported }
func (t *Transport) IsEnabled() bool        { return false }
func (t *Transport) CancelDiscovery() error { return ErrUnsupported }
func (t *Transport) Close() error           { return nil }

func (t *Transport) Listen(context.Context, string) (link.Listener, error) {
	return nil, ErrUnsupported
}

func (t *Transport) Dial(context.Context, link.Endpoint, string) (link.Socket, error) {
	return nil, ErrUnsupported
}
