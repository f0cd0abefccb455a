package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/sirupsen/logrus"
)

const clientEventBuffer = 100

var ErrClientClosed = errors.New("bridge client closed")

// Event is a notification pushed by the daemon.
type Event struct {
	Name string
	Data map[string]any
}

// Address returns the deviceAddress carried by the event, if any.
func (e Event) Address() string {
	s, _ := e.Data["deviceAddress"].(string)
	return s
}

// Payload decodes the base64 message of an onMessageReceived event.
func (e Event) Payload() ([]byte, error) {
	s, _ := e.Data["message"].(string)
	return base64.StdEncoding.DecodeString(s)
}

type Device struct {
	Name      string
	Address   string
	Type      string
	BondState string
	RSSI      *int
}

type ConnectionInfo struct {
	ID       string
	Address  string
	Strategy string
	OpenedAt time.Time
}

type HistoryEntry struct {
	SessionID string
	Address   string
	Kind      string
	Message   []byte
	Detail    string
	CreatedAt time.Time
}

// Client talks to a daemon over its unix socket. It is safe for concurrent
// use; responses are matched to calls by request id.
type Client struct {
	conn   net.Conn
	wmu    sync.Mutex
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]chan map[string]any
	nextID  atomic.Uint64

	events chan Event

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func Dial(socketPath string, log *logrus.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	return NewClient(conn, log), nil
}

func NewClient(conn net.Conn, log *logrus.Logger) *Client {
	if log == nil {
		log = logger.NewLogger()
	}
	c := &Client{
		conn:    conn,
		logger:  log,
		pending: make(map[string]chan map[string]any),
		events:  make(chan Event, clientEventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers daemon notifications. It is closed when the connection
// ends. Device and message events are dropped with a warning while the buffer
// is full; discovery, connect and lost events wait for room, holding up
// responses until the channel is drained.
func (c *Client) Events() <-chan Event { return c.events }

func mustDeliver(name string) bool {
	switch name {
	case EventDiscoveryFinished, EventConnectionResult, EventConnectionLost:
		return true
	}
	return false
}

func (c *Client) deliver(ev Event) {
	if mustDeliver(ev.Name) {
		select {
		case c.events <- ev:
		case <-c.done:
		}
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.WithField("peer", ev.Address()).Warnf("Event buffer full, dropping %s", ev.Name)
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		m := frame.AsMap()
		switch m["type"] {
		case frameResponse:
			id, _ := m["id"].(string)
			c.mu.Lock()
			ch, ok := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case frameEvent:
			name, _ := m["event"].(string)
			data, _ := m["data"].(map[string]any)
			c.deliver(Event{Name: name, Data: data})
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Call invokes method and waits for its result. A failed call returns a
// *RemoteError carrying the daemon's error code.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (any, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := requestFrame(id, method, args)
	if err != nil {
		return nil, err
	}

	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.wmu.Lock()
	err = WriteFrame(c.conn, frame)
	c.wmu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if ok, _ := resp["ok"].(bool); ok {
			return resp["result"], nil
		}
		e, _ := resp["error"].(map[string]any)
		code, _ := e["code"].(string)
		msg, _ := e["message"].(string)
		return nil, &RemoteError{Code: code, Message: msg}
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		forget()
		return nil, c.err
	}
}

func (c *Client) callBool(ctx context.Context, method string, args map[string]any) (bool, error) {
	res, err := c.Call(ctx, method, args)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

func (c *Client) IsEnabled(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodIsEnabled, nil)
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodIsAuthorized, nil)
}

func (c *Client) StartDiscovery(ctx context.Context) error {
	_, err := c.Call(ctx, MethodStartDiscovery, nil)
	return err
}

func (c *Client) StopDiscovery(ctx context.Context) error {
	_, err := c.Call(ctx, MethodStopDiscovery, nil)
	return err
}

func (c *Client) DiscoveredDevices(ctx context.Context) ([]Device, error) {
	return c.devices(ctx, MethodDiscoveredDevices)
}

func (c *Client) PairedDevices(ctx context.Context) ([]Device, error) {
	return c.devices(ctx, MethodPairedDevices)
}

func (c *Client) devices(ctx context.Context, method string) ([]Device, error) {
	res, err := c.Call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	list, _ := res.([]any)
	out := make([]Device, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		d := Device{}
		d.Name, _ = m["name"].(string)
		d.Address, _ = m["address"].(string)
		d.Type, _ = m["type"].(string)
		d.BondState, _ = m["bondState"].(string)
		if v, ok := m["rssi"].(float64); ok {
			rssi := int(v)
			d.RSSI = &rssi
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) Connect(ctx context.Context, addr string) (ConnectionInfo, error) {
	res, err := c.Call(ctx, MethodConnect, map[string]any{"deviceAddress": addr})
	if err != nil {
		return ConnectionInfo{}, err
	}
	m, _ := res.(map[string]any)
	return connectionInfo(m), nil
}

func (c *Client) Send(ctx context.Context, addr string, payload []byte) error {
	_, err := c.Call(ctx, MethodSendMessage, map[string]any{
		"deviceAddress": addr,
		"message":       base64.StdEncoding.EncodeToString(payload),
	})
	return err
}

func (c *Client) Disconnect(ctx context.Context, addr string) error {
	_, err := c.Call(ctx, MethodDisconnect, map[string]any{"deviceAddress": addr})
	return err
}

func (c *Client) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	res, err := c.Call(ctx, MethodConnections, nil)
	if err != nil {
		return nil, err
	}
	list, _ := res.([]any)
	out := make([]ConnectionInfo, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		out = append(out, connectionInfo(m))
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, addr string, limit int) ([]HistoryEntry, error) {
	res, err := c.Call(ctx, MethodHistory, map[string]any{"deviceAddress": addr, "limit": limit})
	if err != nil {
		return nil, err
	}
	list, _ := res.([]any)
	out := make([]HistoryEntry, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		e := HistoryEntry{}
		e.SessionID, _ = m["sessionId"].(string)
		e.Address, _ = m["deviceAddress"].(string)
		e.Kind, _ = m["kind"].(string)
		e.Detail, _ = m["detail"].(string)
		if s, ok := m["message"].(string); ok {
			e.Message, _ = base64.StdEncoding.DecodeString(s)
		}
		if s, ok := m["createdAt"].(string); ok {
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, s)
		}
		out = append(out, e)
	}
	return out, nil
}

func connectionInfo(m map[string]any) ConnectionInfo {
	info := ConnectionInfo{}
	info.ID, _ = m["id"].(string)
	info.Address, _ = m["deviceAddress"].(string)
	info.Strategy, _ = m["strategy"].(string)
	if s, ok := m["openedAt"].(string); ok {
		info.OpenedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return info
}
