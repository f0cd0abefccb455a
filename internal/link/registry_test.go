package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/rudransh-shrivastava/btlink/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	addr   transport.Address
	ok     bool
	detail string
}

type recorder struct {
	mu       sync.Mutex
	results  []result
	messages [][]byte
	received chan struct{}
	lost     chan error
}

func newRecorder() *recorder {
	return &recorder{
		received: make(chan struct{}, 64),
		lost:     make(chan error, 8),
	}
}

func (r *recorder) ConnectionResult(addr transport.Address, ok bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result{addr, ok, detail})
}

func (r *recorder) MessageReceived(_ transport.Address, payload []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, payload)
	r.mu.Unlock()
	select {
	case r.received <- struct{}{}:
	default:
	}
}

func (r *recorder) ConnectionLost(_ transport.Address, cause error) {
	r.lost <- cause
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) snapshotResults() []result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]result(nil), r.results...)
}

type stopper struct{ calls atomic.Int32 }

func (s *stopper) StopScan() error {
	s.calls.Add(1)
	return nil
}

func newRegistry(t *testing.T, radio *memory.Radio) (*Registry, *recorder, *stopper) {
	t.Helper()
	rec := newRecorder()
	st := &stopper{}
	r := NewRegistry(Options{
		Dialer:         radio,
		Gate:           gate.New(radio),
		Scan:           st,
		Notifier:       rec,
		ConnectTimeout: time.Second,
		Logger:         logger.Discard(),
	})
	t.Cleanup(r.CloseAll)
	return r, rec, st
}

func newRadio(t *testing.T) *memory.Radio {
	t.Helper()
	radio := memory.New()
	t.Cleanup(func() { _ = radio.Close() })
	return radio
}

func waitLost(t *testing.T, rec *recorder) error {
	t.Helper()
	select {
	case err := <-rec.lost:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection lost")
		return nil
	}
}

func TestConnectNoPathTriesBothStrategies(t *testing.T) {
	radio := newRadio(t)
	r, rec, st := newRegistry(t, radio)

	_, err := r.Connect(context.Background(), "AA:1")
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, memory.ErrNoRoute)

	assert.Equal(t, []transport.ServiceSelector{
		transport.PrimaryService(),
		transport.FallbackService(),
	}, radio.Dials("AA:1"))

	_, _, ok := r.Lookup("AA:1")
	assert.False(t, ok)
	assert.Empty(t, r.Handles())
	assert.Equal(t, int32(1), st.calls.Load())

	results := rec.snapshotResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].ok)
}

func TestConnectSendPeerCloses(t *testing.T) {
	radio := newRadio(t)
	got := make(chan []byte, 1)
	radio.Listen("AA:1", transport.PrimaryService(), func(remote transport.Stream) {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(remote, buf)
		got <- buf
		_ = remote.Close()
	})
	r, rec, _ := newRegistry(t, radio)

	h, err := r.Connect(context.Background(), "AA:1")
	require.NoError(t, err)
	assert.Equal(t, "primary", h.Strategy)
	assert.Equal(t, []result{{"AA:1", true, "Connected to AA:1"}}, rec.snapshotResults())

	require.NoError(t, r.Send("AA:1", []byte("hello")))
	assert.Equal(t, "hello", string(<-got))

	cause := waitLost(t, rec)
	assert.ErrorIs(t, cause, io.EOF)

	err = r.Send("AA:1", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, ok := r.Lookup("AA:1")
	assert.False(t, ok)
}

func TestConnectUsesFallback(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.FallbackService(), memory.Echo)
	r, _, _ := newRegistry(t, radio)

	h, err := r.Connect(context.Background(), "AA:1")
	require.NoError(t, err)
	assert.Equal(t, "fallback", h.Strategy)
	assert.Len(t, radio.Dials("AA:1"), 2)
}

func TestConnectGateFailure(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)
	radio.SetAuthorized(false)
	r, rec, st := newRegistry(t, radio)

	_, err := r.Connect(context.Background(), "AA:1")
	assert.ErrorIs(t, err, gate.ErrUnauthorized)
	assert.Empty(t, radio.Dials("AA:1"))
	assert.Zero(t, st.calls.Load())
	assert.Empty(t, rec.snapshotResults())
}

func TestRegistryExclusivity(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)
	r, _, _ := newRegistry(t, radio)

	const n = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Connect(context.Background(), "AA:1")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyConnected):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
	assert.Len(t, r.Handles(), 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)
	r, rec, _ := newRegistry(t, radio)

	_, err := r.Connect(context.Background(), "AA:1")
	require.NoError(t, err)

	require.NoError(t, r.Disconnect("AA:1"))
	assert.ErrorIs(t, r.Disconnect("AA:1"), ErrNotConnected)
	assert.ErrorIs(t, r.Send("AA:1", []byte("x")), ErrNotConnected)

	select {
	case cause := <-rec.lost:
		t.Fatalf("explicit disconnect reported as lost: %v", cause)
	default:
	}

	_, err = r.Connect(context.Background(), "AA:1")
	assert.NoError(t, err)
}

func TestEchoRoundTrip(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)
	r, rec, _ := newRegistry(t, radio)

	_, err := r.Connect(context.Background(), "AA:1")
	require.NoError(t, err)
	require.NoError(t, r.Send("AA:1", []byte("ping")))

	select {
	case <-rec.received:
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
	rec.mu.Lock()
	assert.Equal(t, "ping", string(rec.messages[0]))
	rec.mu.Unlock()
}

func TestDisconnectWhileConnecting(t *testing.T) {
	radio := newRadio(t)
	radio.Stall("AA:1", transport.PrimaryService())
	radio.Stall("AA:1", transport.FallbackService())
	r, rec, _ := newRegistry(t, radio)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Connect(context.Background(), "AA:1")
		errc <- err
	}()

	require.Eventually(t, func() bool {
		return len(radio.Dials("AA:1")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Disconnect("AA:1"))

	err := <-errc
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, radio.Dials("AA:1"), 1)

	_, _, ok := r.Lookup("AA:1")
	assert.False(t, ok)
	results := rec.snapshotResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].ok)
}

func TestCloseConcurrentWithSend(t *testing.T) {
	radio := newRadio(t)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)
	r, _, _ := newRegistry(t, radio)

	_, err := r.Connect(context.Background(), "AA:1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := r.Send("AA:1", []byte("data"))
				if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrSendFailed) {
					t.Errorf("unexpected send error: %v", err)
					return
				}
			}
		}()
	}
	_ = r.Disconnect("AA:1")
	wg.Wait()

	_, _, ok := r.Lookup("AA:1")
	assert.False(t, ok)
}

func TestHandlesSortedByAddress(t *testing.T) {
	radio := newRadio(t)
	for _, a := range []transport.Address{"CC:3", "AA:1", "BB:2"} {
		radio.Listen(a, transport.PrimaryService(), memory.Echo)
	}
	r, _, _ := newRegistry(t, radio)

	for _, a := range []transport.Address{"CC:3", "AA:1", "BB:2"} {
		_, err := r.Connect(context.Background(), a)
		require.NoError(t, err)
	}

	hs := r.Handles()
	require.Len(t, hs, 3)
	assert.Equal(t, transport.Address("AA:1"), hs[0].Address)
	assert.Equal(t, transport.Address("BB:2"), hs[1].Address)
	assert.Equal(t, transport.Address("CC:3"), hs[2].Address)

	r.CloseAll()
	assert.Empty(t, r.Handles())
}
