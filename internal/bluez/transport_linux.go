//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/btlink/internal/link"
)

var profileSeq atomic.Uint32

// Transport is a link.Transport backed by a BlueZ adapter.
type Transport struct {
	opts    Options
	log     *slog.Logger
	bus     *dbus.Conn
	adapter dbus.ObjectPath
	address string

	mu          sync.Mutex
	closed      bool
	profilePath dbus.ObjectPath
	serviceID   string // registered service, empty until first Listen or Dial
	accepting   *listener
	pending     map[dbus.ObjectPath]chan *socket
}

var _ link.Transport = (*Transport)(nil)

// New connects to the system bus and checks that the adapter exists.
func New(opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	bt := bluetooth.NewAdapter(opts.Adapter)
	if err := bt.Enable(); err != nil {
		return nil, fmt.Errorf("bluez: adapter %s: %w", opts.Adapter, err)
	}
	address := ""
	if mac, err := bt.Address(); err == nil {
		address = mac.String()
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}

	t := &Transport{
		opts:    opts,
		log:     log,
		bus:     bus,
		adapter: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		address: address,
		pending: make(map[dbus.ObjectPath]chan *socket),
	}
	log.Info("[BLUEZ] Adapter ready", "adapter", opts.Adapter, "address", address, "channel", opts.Channel)
	return t, nil
}

// Address returns the local adapter address, if BlueZ reported one.
func (t *Transport) Address() string { return t.address }

func (t *Transport) adapterObject() dbus.BusObject {
	return t.bus.Object(bluezService, t.adapter)
}

func (t *Transport) Enable() error { return t.setPowered(true) }

func (t *Transport) Disable() error { return t.setPowered(false) }

func (t *Transport) setPowered(on bool) error {
	if err := t.adapterObject().SetProperty(adapterIface+".Powered", dbus.MakeVariant(on)); err != nil {
		return fmt.Errorf("bluez: set Powered=%v: %w", on, err)
	}
	t.log.Info("[BLUEZ] Radio power changed", "powered", on)
	return nil
}

func (t *Transport) IsEnabled() bool {
	v, err := t.adapterObject().GetProperty(adapterIface + ".Powered")
	if err != nil {
		t.log.Debug("[BLUEZ] Reading Powered failed", "error", err)
		return false
	}
	on, _ := v.Value().(bool)
	return on
}

// CancelDiscovery stops an inquiry in progress. It is a no-op when the
// adapter is not discovering.
func (t *Transport) CancelDiscovery() error {
	obj := t.adapterObject()
	v, err := obj.GetProperty(adapterIface + ".Discovering")
	if err != nil {
		return fmt.Errorf("bluez: read Discovering: %w", err)
	}
	if on, _ := v.Value().(bool); !on {
		return nil
	}
	if call := obj.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("bluez: StopDiscovery: %w", call.Err)
	}
	return nil
}

// ensureProfile registers the Profile1 object for serviceID once. A
// transport serves a single service for its lifetime.
func (t *Transport) ensureProfile(serviceID string) (string, error) {
	id, err := normalizeServiceID(serviceID)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", net.ErrClosed
	}
	if t.serviceID != "" {
		if t.serviceID != id {
			return "", fmt.Errorf("bluez: profile already registered for %s", t.serviceID)
		}
		return id, nil
	}

	path := dbus.ObjectPath(fmt.Sprintf("%s%d", profilePathPrefix, profileSeq.Add(1)))
	if err := t.bus.Export(&profile{t: t}, path, profileInterfaceName); err != nil {
		return "", fmt.Errorf("bluez: export profile: %w", err)
	}
	// Without a Role BlueZ registers both the server record and the client
	// side used by ConnectProfile. Channel must be a uint16.
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(t.opts.ServiceName),
		"Channel":               dbus.MakeVariant(t.opts.Channel),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	pm := t.bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, id, opts); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return "", fmt.Errorf("bluez: RegisterProfile %s: %w", id, call.Err)
	}
	t.profilePath = path
	t.serviceID = id
	t.log.Info("[BLUEZ] Profile registered", "uuid", id, "path", path)
	return id, nil
}

func (t *Transport) Listen(_ context.Context, serviceID string) (link.Listener, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("bluez: listen: %w", link.ErrRadioOff)
	}
	if _, err := t.ensureProfile(serviceID); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accepting != nil {
		return nil, errors.New("bluez: already listening")
	}
	l := &listener{
		t:        t,
		incoming: make(chan *socket, 4),
		closed:   make(chan struct{}),
	}
	t.accepting = l
	return l, nil
}

// Dial asks BlueZ to connect the profile to the device and waits for the
// resulting NewConnection. Cancelling ctx aborts the attempt.
func (t *Transport) Dial(ctx context.Context, ep link.Endpoint, serviceID string) (link.Socket, error) {
	if !t.IsEnabled() {
		return nil, fmt.Errorf("bluez: dial %s: %w", ep, link.ErrRadioOff)
	}
	dev, err := devicePath(t.adapter, ep)
	if err != nil {
		return nil, err
	}
	id, err := t.ensureProfile(serviceID)
	if err != nil {
		return nil, err
	}

	ch := make(chan *socket, 1)
	t.mu.Lock()
	if _, busy := t.pending[dev]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("bluez: dial %s: already in progress", ep)
	}
	t.pending[dev] = ch
	t.mu.Unlock()

	t.log.Info("[BLUEZ] Connecting profile", "device", dev, "uuid", id)
	call := t.bus.Object(bluezService, dev).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, id)
	if call.Err != nil {
		t.forgetDial(dev, ch)
		if ctx.Err() != nil {
			t.disconnectProfile(dev, id)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bluez: ConnectProfile %s: %w", ep, call.Err)
	}

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		t.forgetDial(dev, ch)
		t.disconnectProfile(dev, id)
		return nil, ctx.Err()
	}
}

// forgetDial withdraws a pending dial and closes a socket that arrived too late.
func (t *Transport) forgetDial(dev dbus.ObjectPath, ch chan *socket) {
	t.mu.Lock()
	if t.pending[dev] == ch {
		delete(t.pending, dev)
	}
	t.mu.Unlock()
	select {
	case s := <-ch:
		_ = s.Close()
	default:
	}
}

func (t *Transport) disconnectProfile(dev dbus.ObjectPath, id string) {
	call := t.bus.Object(bluezService, dev).Call(deviceIface+".DisconnectProfile", 0, id)
	if call.Err != nil {
		t.log.Debug("[BLUEZ] DisconnectProfile failed", "device", dev, "error", call.Err)
	}
}

// deliver routes a new RFCOMM connection: first to a dial waiting on the
// device, then to the active listener. It reports false when nobody takes it.
func (t *Transport) deliver(dev dbus.ObjectPath, s *socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.pending[dev]; ok {
		delete(t.pending, dev)
		ch <- s
		return true
	}
	if t.accepting == nil {
		return false
	}
	select {
	case t.accepting.incoming <- s:
		return true
	default:
		return false
	}
}

func (t *Transport) stopListening(l *listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accepting == l {
		t.accepting = nil
	}
}

// Close unregisters the profile and releases the bus connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.accepting
	path := t.profilePath
	t.mu.Unlock()

	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	if path != "" {
		pm := t.bus.Object(bluezService, "/org/bluez")
		if call := pm.Call(profileManagerIface+".UnregisterProfile", 0, path); call.Err != nil {
			err = multierr.Append(err, fmt.Errorf("bluez: UnregisterProfile: %w", call.Err))
		}
		err = multierr.Append(err, t.bus.Export(nil, path, profileInterfaceName))
	}
	return multierr.Append(err, t.bus.Close())
}

// profile is the org.bluez.Profile1 object BlueZ calls back into.
type profile struct {
	t *Transport
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.t.log.Debug("[BLUEZ] Disconnection requested", "device", dev)
	return nil
}

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	s, err := newSocket(int(fd), dev)
	if err != nil {
		p.t.log.Warn("[BLUEZ] Bad connection fd", "device", dev, "error", err)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}
	if !p.t.deliver(dev, s) {
		_ = s.Close()
		p.t.log.Info("[BLUEZ] Rejected connection, not listening", "device", dev)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	p.t.log.Info("[BLUEZ] New connection", "device", dev)
	return nil
}

type listener struct {
	t         *Transport
	incoming  chan *socket
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (link.Socket, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops routing connections here and closes any that were not accepted.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.t.stopListening(l)
		close(l.closed)
		for {
			select {
			case s := <-l.incoming:
				_ = s.Close()
			default:
				return
			}
		}
	})
	return nil
}

// socket is an RFCOMM connection fd handed over by BlueZ.
type socket struct {
	f      *os.File
	remote link.Endpoint
}

// newSocket takes ownership of fd. Non-blocking mode puts the fd on the
// runtime poller so that Close interrupts a blocked Read.
func newSocket(fd int, dev dbus.ObjectPath) (*socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	remote := remoteOf(dev)
	return &socket{f: os.NewFile(uintptr(fd), "rfcomm:"+string(remote)), remote: remote}, nil
}

func (s *socket) Read(b []byte) (int, error)  { return s.f.Read(b) }
func (s *socket) Write(b []byte) (int, error) { return s.f.Write(b) }
func (s *socket) Close() error                { return s.f.Close() }
func (s *socket) Remote() link.Endpoint       { return s.remote }
