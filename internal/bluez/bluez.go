// Package bluez implements link.Transport on Linux over BlueZ's D-Bus API.
//
// The service is advertised by registering an org.bluez.Profile1 object for
// the service UUID on a fixed RFCOMM channel. BlueZ hands every RFCOMM
// connection for that UUID, inbound or outbound, to the profile's
// NewConnection method as a file descriptor. Outbound connections are
// started with Device1.ConnectProfile and matched to the waiting Dial by
// device path; everything else goes to the active listener.
package bluez

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/btlink/internal/link"
)

const (
	// DefaultRFCOMMChannel is the channel the server side of the profile binds.
	DefaultRFCOMMChannel uint16 = 22

	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"

	profilePathPrefix = "/com/chaz8081/btlink/profile"
)

// ErrUnsupported is returned on platforms without BlueZ.
var ErrUnsupported = errors.New("bluez: not supported on this platform")

// Options configures the BlueZ transport.
type Options struct {
	Adapter     string // adapter id, e.g. "hci0" (default)
	ServiceName string // SDP service name (default "btlink")
	Channel     uint16 // RFCOMM channel (default DefaultRFCOMMChannel)
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Adapter == "" {
		o.Adapter = "hci0"
	}
	if o.ServiceName == "" {
		o.ServiceName = "btlink"
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// normalizeServiceID returns the canonical lowercase form BlueZ expects.
func normalizeServiceID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("bluez: service id %q: %w", id, err)
	}
	return u.String(), nil
}

// devicePath resolves an endpoint to a BlueZ Device1 object path. Endpoints
// may already be object paths or may be MAC addresses.
func devicePath(adapter dbus.ObjectPath, ep link.Endpoint) (dbus.ObjectPath, error) {
	s := string(ep)
	if strings.HasPrefix(s, "/") {
		p := dbus.ObjectPath(s)
		if !p.IsValid() {
			return "", fmt.Errorf("bluez: invalid device path %q", s)
		}
		return p, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("bluez: invalid device address %q", s)
	}
	for _, part := range parts {
		if len(part) != 2 {
			return "", fmt.Errorf("bluez: invalid device address %q", s)
		}
	}
	return adapter + dbus.ObjectPath("/dev_"+strings.ToUpper(strings.Join(parts, "_"))), nil
}

// macFromPath extracts the address from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// remoteOf names the peer behind a device path, preferring its address.
func remoteOf(p dbus.ObjectPath) link.Endpoint {
	if mac := macFromPath(p); mac != "" {
		return link.Endpoint(mac)
	}
	return link.Endpoint(p)
}
