package link

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
)

// ScanStopper cancels an active discovery before a stream is opened.
type ScanStopper interface {
	StopScan() error
}

// Notifier receives connect outcomes and session traffic.
type Notifier interface {
	StreamNotifier
	ConnectionResult(addr transport.Address, ok bool, detail string)
}

type Options struct {
	Dialer         transport.Dialer
	Gate           *gate.Gate
	Scan           ScanStopper
	Notifier       Notifier
	Strategies     []Strategy
	ConnectTimeout time.Duration
	ReadBufferSize int
	Logger         *logrus.Logger
}

// Registry maps each address to at most one live Connection. Its lock is
// never held across open or Close; the Connecting entry reserves the address.
type Registry struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[transport.Address]*Connection
}

func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	return &Registry{
		opts:   opts,
		logger: log,
		conns:  make(map[transport.Address]*Connection),
	}
}

// Connect opens a session to addr. It blocks until the session is open or every
// strategy has failed.
func (r *Registry) Connect(ctx context.Context, addr transport.Address) (Handle, error) {
	if err := r.opts.Gate.Check(); err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	if existing, ok := r.conns[addr]; ok && existing.State() != Closed {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, addr)
	}
	conn := newConnection(addr, connConfig{
		dialer:     r.opts.Dialer,
		strategies: r.opts.Strategies,
		timeout:    r.opts.ConnectTimeout,
		bufSize:    r.opts.ReadBufferSize,
		notify:     r.opts.Notifier,
		logger:     r.logger.WithField("peer", addr),
		onOpened:   r.opened,
		onClosed:   r.remove,
	})
	r.conns[addr] = conn
	r.mu.Unlock()

	if r.opts.Scan != nil {
		if err := r.opts.Scan.StopScan(); err != nil {
			r.logger.Warnf("Failed to stop discovery before connecting to %s: %v", addr, err)
		}
	}

	h, err := conn.open(ctx)
	if err != nil {
		r.remove(conn)
		r.logger.WithField("peer", addr).Warnf("Connect failed: %v", err)
		if r.opts.Notifier != nil {
			r.opts.Notifier.ConnectionResult(addr, false, err.Error())
		}
		return Handle{}, err
	}
	return h, nil
}

func (r *Registry) opened(c *Connection) {
	if r.opts.Notifier != nil {
		r.opts.Notifier.ConnectionResult(c.addr, true, "Connected to "+c.addr.String())
	}
}

// remove drops the entry only if it still points at c.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.addr] == c {
		delete(r.conns, c.addr)
	}
}

func (r *Registry) get(addr transport.Address) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[addr]
	return c, ok
}

// Disconnect closes the session to addr. The entry is removed whatever the
// close outcome.
func (r *Registry) Disconnect(addr transport.Address) error {
	conn, ok := r.get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	err := conn.Close()
	r.remove(conn)
	if err != nil {
		r.logger.WithField("peer", addr).Debugf("Stream close returned: %v", err)
	}
	return err
}

func (r *Registry) Send(addr transport.Address, payload []byte) error {
	conn, ok := r.get(addr)
	if !ok || conn.State() != Open {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	return conn.Send(payload)
}

// Lookup reports the handle and state of the entry for addr.
func (r *Registry) Lookup(addr transport.Address) (Handle, State, bool) {
	conn, ok := r.get(addr)
	if !ok {
		return Handle{}, Closed, false
	}
	return conn.Handle(), conn.State(), true
}

// Handles returns the open sessions sorted by address.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Handle, 0, len(conns))
	for _, c := range conns {
		if c.State() == Open {
			out = append(out, c.Handle())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CloseAll tears down every session and waits for their readers.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close()
			r.remove(c)
		}(c)
	}
	wg.Wait()
}
