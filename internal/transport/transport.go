// Package transport defines the boundary between the connection manager and
// the platform radio: scanning, stream establishment and the capability
// probes the gate consults.
package transport

import (
	"context"
	"io"
	"strconv"
	"time"
)

const (
	// SPPUUID is the Serial Port Profile service class used for the primary
	// stream strategy.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// FallbackChannel is the RFCOMM channel tried when the service record
	// lookup fails.
	FallbackChannel uint8 = 1

	DefaultConnectTimeout = 10 * time.Second
)

// Address is the stable identifier of a peer, e.g. "AA:BB:CC:DD:EE:FF".
// Comparison is byte-exact.
type Address string

func (a Address) String() string { return string(a) }

type Kind int

const (
	KindUnknown Kind = iota
	KindClassic
	KindLowEnergy
)

func (k Kind) String() string {
	switch k {
	case KindClassic:
		return "classic"
	case KindLowEnergy:
		return "le"
	default:
		return "unknown"
	}
}

type BondState int

const (
	BondUnknown BondState = iota
	BondNone
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "unknown"
	}
}

// Sighting is the raw content of a "peer seen" event. An empty Name means the
// radio did not report one.
type Sighting struct {
	Address Address
	Name    string
	Kind    Kind
	Bond    BondState
	RSSI    *int16
}

// ServiceSelector picks the endpoint on the remote peer. A non-empty UUID asks
// the platform to resolve the channel from the peer's service records;
// otherwise Channel is used as-is.
type ServiceSelector struct {
	UUID    string
	Channel uint8
}

func (s ServiceSelector) String() string {
	if s.UUID != "" {
		return "uuid:" + s.UUID
	}
	return "channel:" + strconv.Itoa(int(s.Channel))
}

// PrimaryService resolves the SPP record on the peer.
func PrimaryService() ServiceSelector { return ServiceSelector{UUID: SPPUUID} }

// FallbackService dials the RFCOMM channel directly.
func FallbackService() ServiceSelector { return ServiceSelector{Channel: FallbackChannel} }

// Stream is a reliable, ordered duplex byte channel to one peer. Close must
// unblock a pending Read.
type Stream interface {
	io.ReadWriteCloser
}

// ScanSink receives discovery events. Every call carries the generation that
// was passed to BeginScan.
type ScanSink interface {
	PeerSeen(gen uint64, s Sighting)
	ScanEnded(gen uint64)
	ScanAborted(gen uint64, err error)
}

// Scanner controls the discovery cycle. Implementations must deliver sink
// events from their own goroutine, never from inside BeginScan or CancelScan.
type Scanner interface {
	BeginScan(gen uint64, sink ScanSink) error
	CancelScan() error
}

// Dialer opens streams to peers.
type Dialer interface {
	OpenStream(ctx context.Context, addr Address, sel ServiceSelector) (Stream, error)
}

// Transport is everything the manager consumes from a platform radio.
type Transport interface {
	// IsAvailable reports whether the radio is present and powered.
	IsAvailable() bool

	// IsAuthorized reports whether the process may scan and connect.
	IsAuthorized() bool

	Scanner
	Dialer

	// BondedPeers returns the peers the platform already has a bond with.
	BondedPeers() ([]Sighting, error)

	// Close releases the platform handle.
	Close() error
}
