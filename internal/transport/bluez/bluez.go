// Package bluez drives a local adapter through BlueZ over the system D-Bus.
// The primary stream is an SPP profile connection handed over by BlueZ; the
// fallback dials an RFCOMM channel with a raw socket.
package bluez

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAdapter    = "hci0"
	DefaultScanWindow = 12 * time.Second
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	errAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
	errNotAuthz     = "org.bluez.Error.NotAuthorized"
)

var (
	ErrUnsupported = errors.New("bluez backend is only available on linux")
	ErrBadAddress  = errors.New("malformed device address")

	errRadioClosed = errors.New("bluez: radio closed")
)

type Options struct {
	// Adapter is the controller name, e.g. "hci0".
	Adapter string

	// ScanWindow bounds one discovery cycle.
	ScanWindow time.Duration

	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.Adapter == "" {
		o.Adapter = DefaultAdapter
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = DefaultScanWindow
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = transport.DefaultConnectTimeout
	}
}

func adapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

func devicePath(adapter dbus.ObjectPath, addr transport.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(string(addr)), ":", "_"))
}

func underAdapter(path, adapter dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(adapter)+"/dev_")
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// parseBDAddr parses "AA:BB:CC:DD:EE:FF" into the little-endian byte order
// the kernel expects in sockaddr_rc.
func parseBDAddr(addr transport.Address) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(string(addr), ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return out, fmt.Errorf("%w: %q", ErrBadAddress, addr)
		}
		out[5-i] = byte(b)
	}
	return out, nil
}

// sightingFromProps builds a sighting from Device1 properties.
func sightingFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) transport.Sighting {
	s := transport.Sighting{Bond: transport.BondNone}

	if v, ok := props["Address"]; ok {
		a, _ := v.Value().(string)
		s.Address = transport.Address(a)
	}
	if s.Address == "" {
		s.Address = transport.Address(macFromPath(path))
	}
	if v, ok := props["Name"]; ok {
		s.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			s.RSSI = &rssi
		}
	}
	if v, ok := props["Paired"]; ok {
		if paired, _ := v.Value().(bool); paired {
			s.Bond = transport.BondBonded
		}
	}

	_, hasClass := props["Class"]
	addrType := ""
	if v, ok := props["AddressType"]; ok {
		addrType, _ = v.Value().(string)
	}
	switch {
	case hasClass:
		s.Kind = transport.KindClassic
	case addrType == "random":
		s.Kind = transport.KindLowEnergy
	default:
		s.Kind = transport.KindUnknown
	}
	return s
}

func mergeProps(dst, src map[string]dbus.Variant) map[string]dbus.Variant {
	if dst == nil {
		dst = make(map[string]dbus.Variant, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func isDBusError(err error, names ...string) bool {
	var name string
	var de dbus.Error
	var pde *dbus.Error
	switch {
	case errors.As(err, &pde) && pde != nil:
		name = pde.Name
	case errors.As(err, &de):
		name = de.Name
	default:
		return false
	}
	for _, n := range names {
		if name == n {
			return true
		}
	}
	return false
}
