package node

import (
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/discovery"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
)

type EventKind int

const (
	PeerFound EventKind = iota
	DiscoveryFinished
	ConnectionResult
	MessageReceived
	ConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case PeerFound:
		return "peer_found"
	case DiscoveryFinished:
		return "discovery_finished"
	case ConnectionResult:
		return "connection_result"
	case MessageReceived:
		return "message_received"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is one outbound notification. Which fields are set depends on Kind.
type Event struct {
	Kind    EventKind
	At      time.Time
	Address transport.Address

	// PeerFound
	Peer discovery.Record
	// DiscoveryFinished
	Count int
	// ConnectionResult
	OK     bool
	Detail string
	// MessageReceived
	Payload []byte
	// ConnectionLost
	Err error
}
