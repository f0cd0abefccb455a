// Package memory is an in-process radio. It backs the daemon's sim backend and
// the tests: peers are announced by hand and streams are net.Pipe pairs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rudransh-shrivastava/btlink/internal/transport"
)

var (
	ErrNoRoute  = errors.New("no route to peer")
	ErrPowerOff = errors.New("radio powered off")
	ErrClosed   = errors.New("radio closed")
)

// Handler serves the remote end of an accepted stream.
type Handler func(remote transport.Stream)

type endpointKey struct {
	addr transport.Address
	sel  string
}

type endpoint struct {
	handler Handler
	stall   bool
}

type Radio struct {
	mu         sync.Mutex
	available  bool
	authorized bool
	refuseScan error
	cancelErr  error
	scanning   bool
	gen        uint64
	sink       transport.ScanSink
	bonded     []transport.Sighting
	endpoints  map[endpointKey]endpoint
	dials      map[transport.Address][]transport.ServiceSelector

	// qmu keeps enqueue order equal to call order without holding mu while
	// the pump is blocked on a sink.
	qmu   sync.Mutex
	queue chan func()

	closeOnce sync.Once
	done      chan struct{}
}

func New() *Radio {
	r := &Radio{
		available:  true,
		authorized: true,
		endpoints:  make(map[endpointKey]endpoint),
		dials:      make(map[transport.Address][]transport.ServiceSelector),
		queue:      make(chan func(), 256),
		done:       make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *Radio) pump() {
	for {
		select {
		case fn := <-r.queue:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Radio) enqueue(fn func()) {
	select {
	case r.queue <- fn:
	case <-r.done:
	}
}

func (r *Radio) SetAvailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = v
}

func (r *Radio) SetAuthorized(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorized = v
}

// RefuseScan makes the next BeginScan calls fail with err. Pass nil to accept
// again.
func (r *Radio) RefuseScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuseScan = err
}

func (r *Radio) FailCancel(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelErr = err
}

func (r *Radio) SetBonded(peers ...transport.Sighting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonded = append([]transport.Sighting(nil), peers...)
}

func (r *Radio) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *Radio) IsAuthorized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorized
}

func (r *Radio) BeginScan(gen uint64, sink transport.ScanSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuseScan != nil {
		return r.refuseScan
	}
	r.scanning = true
	r.gen = gen
	r.sink = sink
	return nil
}

func (r *Radio) CancelScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return r.cancelErr
}

// Scanning reports whether a scan cycle is active on the radio.
func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Announce delivers a sighting to the active scan. It is dropped when the
// radio is not scanning.
func (r *Radio) Announce(s transport.Sighting) {
	r.announce(s, func(uint64) bool { return true })
}

// announceIn is Announce restricted to scan cycle gen. The check and the
// enqueue happen under the same lock, so a restart cannot retag the event.
func (r *Radio) announceIn(gen uint64, s transport.Sighting) bool {
	return r.announce(s, func(cur uint64) bool { return cur == gen })
}

func (r *Radio) announce(s transport.Sighting, match func(uint64) bool) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()

	r.mu.Lock()
	sink, gen, ok := r.sink, r.gen, r.scanning && match(r.gen)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.enqueue(func() { sink.PeerSeen(gen, s) })
	return true
}

// AnnounceAs delivers a sighting tagged with an arbitrary generation,
// regardless of the scan state. It plays late events from an old cycle.
func (r *Radio) AnnounceAs(gen uint64, s transport.Sighting) {
	r.qmu.Lock()
	defer r.qmu.Unlock()

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}
	r.enqueue(func() { sink.PeerSeen(gen, s) })
}

// EndScan finishes the active scan normally.
func (r *Radio) EndScan() {
	r.finish(nil, func(uint64) bool { return true })
}

// Abort finishes the active scan with a fatal error.
func (r *Radio) Abort(err error) {
	r.finish(err, func(uint64) bool { return true })
}

// endScanIn ends scan cycle gen only if it is still the active one.
func (r *Radio) endScanIn(gen uint64) bool {
	return r.finish(nil, func(cur uint64) bool { return cur == gen })
}

func (r *Radio) finish(cause error, match func(uint64) bool) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()

	r.mu.Lock()
	sink, gen, ok := r.sink, r.gen, r.scanning && match(r.gen)
	if ok {
		r.scanning = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if cause != nil {
		r.enqueue(func() { sink.ScanAborted(gen, cause) })
		return true
	}
	r.enqueue(func() { sink.ScanEnded(gen) })
	return true
}

// Flush blocks until every event queued so far has been delivered.
func (r *Radio) Flush() {
	ch := make(chan struct{})
	r.qmu.Lock()
	r.enqueue(func() { close(ch) })
	r.qmu.Unlock()
	select {
	case <-ch:
	case <-r.done:
	}
}

// Listen makes addr reachable on sel. Each accepted stream is served by h in
// its own goroutine.
func (r *Radio) Listen(addr transport.Address, sel transport.ServiceSelector, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[endpointKey{addr, sel.String()}] = endpoint{handler: h}
}

// Stall makes opens on addr and sel block until the caller's context ends.
func (r *Radio) Stall(addr transport.Address, sel transport.ServiceSelector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[endpointKey{addr, sel.String()}] = endpoint{stall: true}
}

func (r *Radio) Unlisten(addr transport.Address, sel transport.ServiceSelector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, endpointKey{addr, sel.String()})
}

// Dials returns the selectors tried against addr, in order.
func (r *Radio) Dials(addr transport.Address) []transport.ServiceSelector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.ServiceSelector(nil), r.dials[addr]...)
}

func (r *Radio) OpenStream(ctx context.Context, addr transport.Address, sel transport.ServiceSelector) (transport.Stream, error) {
	r.mu.Lock()
	r.dials[addr] = append(r.dials[addr], sel)
	ep, ok := r.endpoints[endpointKey{addr, sel.String()}]
	available := r.available
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}
	if !available {
		return nil, ErrPowerOff
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoRoute, addr, sel)
	}
	if ep.stall {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrClosed
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, remote := net.Pipe()
	go ep.handler(remote)
	return local, nil
}

func (r *Radio) BondedPeers() ([]transport.Sighting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return nil, ErrPowerOff
	}
	return append([]transport.Sighting(nil), r.bonded...), nil
}

func (r *Radio) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// Echo writes back everything it reads until the stream closes.
func Echo(remote transport.Stream) {
	defer remote.Close()
	_, _ = io.Copy(remote, remote)
}

var _ transport.Transport = (*Radio)(nil)
