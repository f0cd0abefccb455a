// Package node wires a radio to the discovery session and the connection
// registry, and fans their notifications out to subscribers.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/discovery"
	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/link"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/store"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
)

const defaultEventBuffer = 100

var ErrNoJournal = errors.New("journal not configured")

// Journal records session traffic. *store.Journal implements it.
type Journal interface {
	Record(ctx context.Context, addr string, kind store.Kind, payload []byte, detail string) error
	History(ctx context.Context, addr string, limit int) ([]store.Entry, error)
}

type Options struct {
	Transport transport.Transport
	Logger    *logrus.Logger
	Journal   Journal

	// Service and Fallback override the stream selectors. Zero values mean
	// the SPP record and RFCOMM channel 1.
	Service  transport.ServiceSelector
	Fallback transport.ServiceSelector

	ConnectTimeout time.Duration
	ReadBufferSize int
	EventBuffer    int
}

type Node struct {
	transport transport.Transport
	gate      *gate.Gate
	discovery *discovery.Session
	links     *link.Registry
	journal   Journal
	logger    *logrus.Logger

	eventBuffer int

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}

	strategies := link.DefaultStrategies()
	if opts.Service != (transport.ServiceSelector{}) {
		strategies = link.Strategies(opts.Service, opts.Fallback)
	}

	n := &Node{
		transport:   opts.Transport,
		gate:        gate.New(opts.Transport),
		journal:     opts.Journal,
		logger:      log,
		eventBuffer: buf,
		subs:        make(map[int]chan Event),
	}
	n.discovery = discovery.NewSession(discovery.Options{
		Scanner:  opts.Transport,
		Gate:     n.gate,
		Notifier: n,
		Logger:   log,
	})
	n.links = link.NewRegistry(link.Options{
		Dialer:         opts.Transport,
		Gate:           n.gate,
		Scan:           n.discovery,
		Notifier:       n,
		Strategies:     strategies,
		ConnectTimeout: opts.ConnectTimeout,
		ReadBufferSize: opts.ReadBufferSize,
		Logger:         log,
	})
	return n, nil
}

func (n *Node) IsAvailable() bool  { return n.gate.Available() }
func (n *Node) IsAuthorized() bool { return n.gate.Authorized() }

func (n *Node) StartDiscovery() error { return n.discovery.StartScan() }
func (n *Node) StopDiscovery() error  { return n.discovery.StopScan() }

func (n *Node) DiscoveryState() discovery.State { return n.discovery.State() }

func (n *Node) DiscoveredPeers() []discovery.Record { return n.discovery.Peers() }

// PairedPeers lists the peers the platform already has a bond with.
func (n *Node) PairedPeers() ([]transport.Sighting, error) {
	if err := n.gate.Check(); err != nil {
		return nil, err
	}
	return n.transport.BondedPeers()
}

func (n *Node) Connect(ctx context.Context, addr transport.Address) (link.Handle, error) {
	return n.links.Connect(ctx, addr)
}

func (n *Node) Send(addr transport.Address, payload []byte) error {
	if err := n.links.Send(addr, payload); err != nil {
		return err
	}
	n.record(addr, store.KindSent, payload, "")
	return nil
}

func (n *Node) Disconnect(addr transport.Address) error {
	err := n.links.Disconnect(addr)
	if errors.Is(err, link.ErrNotConnected) {
		return err
	}
	n.record(addr, store.KindDisconnected, nil, "")
	return err
}

// Connection reports the state of the session to addr.
func (n *Node) Connection(addr transport.Address) (link.Handle, link.State, bool) {
	return n.links.Lookup(addr)
}

func (n *Node) Connections() []link.Handle { return n.links.Handles() }

func (n *Node) History(ctx context.Context, addr transport.Address, limit int) ([]store.Entry, error) {
	if n.journal == nil {
		return nil, ErrNoJournal
	}
	return n.journal.History(ctx, addr.String(), limit)
}

// Subscribe returns a buffered event channel and a function that detaches it.
// Events that do not fit the buffer are dropped for that subscriber.
func (n *Node) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, n.eventBuffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

func (n *Node) publish(ev Event) {
	ev.At = time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warnf("Subscriber %d is full, dropping %s event", id, ev.Kind)
		}
	}
}

func (n *Node) record(addr transport.Address, kind store.Kind, payload []byte, detail string) {
	if n.journal == nil {
		return
	}
	if err := n.journal.Record(context.Background(), addr.String(), kind, payload, detail); err != nil {
		n.logger.Warnf("Failed to journal %s for %s: %v", kind, addr, err)
	}
}

// Close stops discovery, tears down every session and releases the radio.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if err := n.discovery.StopScan(); err != nil {
		n.logger.Warnf("Failed to stop discovery: %v", err)
	}
	n.links.CloseAll()

	n.mu.Lock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	n.mu.Unlock()

	return n.transport.Close()
}

func (n *Node) PeerFound(rec discovery.Record) {
	n.logger.WithField("peer", rec.Address).Debugf("Found %s (%s)", rec.DisplayName(), rec.Kind)
	n.publish(Event{Kind: PeerFound, Address: rec.Address, Peer: rec})
}

func (n *Node) DiscoveryFinished(count int) {
	n.publish(Event{Kind: DiscoveryFinished, Count: count})
}

func (n *Node) ConnectionResult(addr transport.Address, ok bool, detail string) {
	kind := store.KindConnected
	if !ok {
		kind = store.KindConnectFailed
	}
	n.record(addr, kind, nil, detail)
	n.publish(Event{Kind: ConnectionResult, Address: addr, OK: ok, Detail: detail})
}

func (n *Node) MessageReceived(addr transport.Address, payload []byte) {
	n.record(addr, store.KindReceived, payload, "")
	n.publish(Event{Kind: MessageReceived, Address: addr, Payload: payload})
}

func (n *Node) ConnectionLost(addr transport.Address, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	n.record(addr, store.KindLost, nil, detail)
	n.publish(Event{Kind: ConnectionLost, Address: addr, Err: cause})
}

var (
	_ discovery.Notifier = (*Node)(nil)
	_ link.Notifier      = (*Node)(nil)
)
