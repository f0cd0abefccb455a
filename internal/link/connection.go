// Package link owns per-peer stream sessions: establishing them with a
// primary and a fallback strategy, running one reader per open stream, and
// keeping at most one live session per address.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
)

const DefaultReadBufferSize = 1024

type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Handle identifies an established session.
type Handle struct {
	ID       uuid.UUID
	Address  transport.Address
	Strategy string
	OpenedAt time.Time
}

// StreamNotifier receives the traffic of open sessions. Calls come from the
// session's reader goroutine and must not close that same session
// synchronously.
type StreamNotifier interface {
	MessageReceived(addr transport.Address, payload []byte)
	ConnectionLost(addr transport.Address, cause error)
}

type connConfig struct {
	dialer     transport.Dialer
	strategies []Strategy
	timeout    time.Duration
	bufSize    int
	notify     StreamNotifier
	logger     *logrus.Entry

	onOpened func(*Connection)
	onClosed func(*Connection)
}

type Connection struct {
	addr transport.Address
	cfg  connConfig

	// ctx is cancelled by Close and by teardown. It aborts an in-flight open
	// and stops the reader.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	stream transport.Stream
	handle Handle

	writeMu sync.Mutex

	streamOnce sync.Once
	closeErr   error

	releaseOnce sync.Once
	done        chan struct{}
}

func newConnection(addr transport.Address, cfg connConfig) *Connection {
	if cfg.bufSize <= 0 {
		cfg.bufSize = DefaultReadBufferSize
	}
	if cfg.timeout <= 0 {
		cfg.timeout = transport.DefaultConnectTimeout
	}
	if len(cfg.strategies) == 0 {
		cfg.strategies = DefaultStrategies()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		addr:   addr,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  Connecting,
		done:   make(chan struct{}),
	}
}

func (c *Connection) Address() transport.Address { return c.addr }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Done is closed once the session has fully released its stream.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) open(ctx context.Context) (Handle, error) {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	var (
		stream transport.Stream
		used   Strategy
		errs   []error
	)
	for _, st := range c.cfg.strategies {
		if openCtx.Err() != nil {
			break
		}
		attemptCtx, attemptCancel := context.WithTimeout(openCtx, c.cfg.timeout)
		s, err := c.cfg.dialer.OpenStream(attemptCtx, c.addr, st.Service)
		attemptCancel()
		if err == nil {
			stream, used = s, st
			break
		}
		c.cfg.logger.Debugf("Strategy %s failed: %v", st, err)
		errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
	}

	if stream == nil {
		if err := c.ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("closed while connecting: %w", err))
		}
		c.release(nil)
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrConnectFailed, c.addr, errors.Join(errs...))
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		_ = stream.Close()
		c.release(nil)
		return Handle{}, fmt.Errorf("%w: %s: closed while connecting: %w", ErrConnectFailed, c.addr, context.Canceled)
	}
	c.stream = stream
	c.state = Open
	c.handle = Handle{
		ID:       uuid.New(),
		Address:  c.addr,
		Strategy: used.Name,
		OpenedAt: time.Now(),
	}
	h := c.handle
	c.mu.Unlock()

	c.cfg.logger.Infof("Stream open via %s", used)
	if c.cfg.onOpened != nil {
		c.cfg.onOpened(c)
	}
	go c.readLoop(stream)
	return h, nil
}

func (c *Connection) readLoop(stream transport.Stream) {
	buf := make([]byte, c.cfg.bufSize)
	var cause error
	for {
		if c.ctx.Err() != nil {
			break
		}
		n, err := stream.Read(buf)
		if c.ctx.Err() != nil {
			break
		}
		if n > 0 && c.cfg.notify != nil {
			c.cfg.notify.MessageReceived(c.addr, bytes.Clone(buf[:n]))
		}
		if err != nil {
			cause = err
			break
		}
	}
	c.release(cause)
}

// release runs once, on whichever goroutine ends the session: the reader, or
// open when it fails.
func (c *Connection) release(cause error) {
	c.releaseOnce.Do(func() {
		c.cancel()
		c.closeStream()

		c.mu.Lock()
		requested := c.state == Closing
		wasOpen := c.stream != nil
		c.state = Closed
		c.mu.Unlock()

		if c.cfg.onClosed != nil {
			c.cfg.onClosed(c)
		}
		if wasOpen && !requested {
			c.cfg.logger.Warnf("Connection lost: %v", cause)
			if c.cfg.notify != nil {
				c.cfg.notify.ConnectionLost(c.addr, cause)
			}
		} else if wasOpen {
			c.cfg.logger.Infof("Connection closed")
		}
		close(c.done)
	})
}

func (c *Connection) closeStream() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}
	c.streamOnce.Do(func() {
		c.closeErr = stream.Close()
	})
}

// Send writes the whole payload. It is valid only while the session is open;
// a failed write does not close the session.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, c.addr)
	}
	stream := c.stream
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(payload) {
		n, err := stream.Write(payload[written:])
		written += n
		if err != nil {
			return &SendError{Written: written, Err: err}
		}
		if n == 0 {
			return &SendError{Written: written, Err: errors.New("short write")}
		}
	}
	return nil
}

// Close tears the session down and waits for the reader to exit. It is
// idempotent and safe to call concurrently with Send.
func (c *Connection) Close() error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return nil
	case Connecting, Open:
		c.state = Closing
	}
	c.mu.Unlock()

	c.cancel()
	c.closeStream()
	<-c.done
	return c.closeErr
}
