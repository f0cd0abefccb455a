package discovery

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	mu        sync.Mutex
	available bool
	allowed   bool
	refuse    error
	cancelErr error
	begun     []uint64
	cancels   int
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{available: true, allowed: true}
}

func (f *fakeScanner) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeScanner) IsAuthorized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed
}

func (f *fakeScanner) BeginScan(gen uint64, _ transport.ScanSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != nil {
		return f.refuse
	}
	f.begun = append(f.begun, gen)
	return nil
}

func (f *fakeScanner) CancelScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

type recorder struct {
	mu       sync.Mutex
	found    []transport.Address
	finished []int
}

func (r *recorder) PeerFound(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, rec.Address)
}

func (r *recorder) DiscoveryFinished(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, count)
}

func newSession(t *testing.T) (*Session, *fakeScanner, *recorder) {
	t.Helper()
	sc := newFakeScanner()
	rec := &recorder{}
	s := NewSession(Options{
		Scanner:  sc,
		Gate:     gate.New(sc),
		Notifier: rec,
		Logger:   logger.Discard(),
	})
	return s, sc, rec
}

func seen(addr string) transport.Sighting {
	return transport.Sighting{Address: transport.Address(addr), Kind: transport.KindClassic, Bond: transport.BondNone}
}

func addresses(recs []Record) []transport.Address {
	out := make([]transport.Address, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Address)
	}
	return out
}

func TestScanDeduplicatesPeers(t *testing.T) {
	s, _, rec := newSession(t)
	require.NoError(t, s.StartScan())

	gen := s.Generation()
	s.PeerSeen(gen, seen("AA:1"))
	s.PeerSeen(gen, seen("BB:2"))
	s.PeerSeen(gen, seen("AA:1"))

	assert.Equal(t, []transport.Address{"AA:1", "BB:2"}, addresses(s.Peers()))
	assert.Equal(t, []transport.Address{"AA:1", "BB:2"}, rec.found)

	s.ScanEnded(gen)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []int{2}, rec.finished)
}

func TestStartScanGateFailures(t *testing.T) {
	tests := []struct {
		name      string
		available bool
		allowed   bool
		want      error
	}{
		{"unavailable", false, true, gate.ErrUnavailable},
		{"unauthorized", true, false, gate.ErrUnauthorized},
		{"unavailable wins", false, false, gate.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sc, _ := newSession(t)
			sc.available = tt.available
			sc.allowed = tt.allowed

			err := s.StartScan()
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, Idle, s.State())
			assert.Empty(t, sc.begun)
			assert.Zero(t, s.Generation())
		})
	}
}

func TestStartScanWhileScanning(t *testing.T) {
	s, sc, _ := newSession(t)
	require.NoError(t, s.StartScan())

	err := s.StartScan()
	assert.ErrorIs(t, err, ErrAlreadyScanning)
	assert.Equal(t, []uint64{1}, sc.begun)
	assert.Equal(t, Scanning, s.State())
}

func TestStartScanRefused(t *testing.T) {
	s, sc, _ := newSession(t)
	cause := errors.New("adapter busy")
	sc.refuse = cause

	err := s.StartScan()
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Idle, s.State())
}

func TestStaleGenerationIsDropped(t *testing.T) {
	s, _, rec := newSession(t)
	require.NoError(t, s.StartScan())
	old := s.Generation()
	require.NoError(t, s.StopScan())
	require.NoError(t, s.StartScan())
	cur := s.Generation()
	require.Greater(t, cur, old)

	s.PeerSeen(old, seen("CC:3"))
	s.ScanEnded(old)

	assert.Equal(t, Scanning, s.State())
	assert.Empty(t, s.Peers())
	assert.Empty(t, rec.found)
	assert.Empty(t, rec.finished)

	s.PeerSeen(cur, seen("DD:4"))
	assert.Equal(t, []transport.Address{"DD:4"}, addresses(s.Peers()))
}

func TestEventsAfterStopAreDropped(t *testing.T) {
	s, sc, rec := newSession(t)
	require.NoError(t, s.StartScan())
	gen := s.Generation()
	require.NoError(t, s.StopScan())
	assert.Equal(t, 1, sc.cancels)

	s.PeerSeen(gen, seen("AA:1"))
	s.ScanEnded(gen)

	assert.Empty(t, s.Peers())
	assert.Empty(t, rec.found)
	assert.Empty(t, rec.finished)
}

func TestStopScan(t *testing.T) {
	t.Run("idle is a no-op", func(t *testing.T) {
		s, sc, _ := newSession(t)
		assert.NoError(t, s.StopScan())
		assert.Zero(t, sc.cancels)
	})

	t.Run("cancel error still leaves idle", func(t *testing.T) {
		s, sc, _ := newSession(t)
		require.NoError(t, s.StartScan())
		sc.cancelErr = errors.New("dbus gone")

		err := s.StopScan()
		assert.ErrorIs(t, err, ErrDiscoveryFailed)
		assert.Equal(t, Idle, s.State())
	})

	t.Run("gate failure skips transport", func(t *testing.T) {
		s, sc, _ := newSession(t)
		require.NoError(t, s.StartScan())
		sc.available = false

		assert.NoError(t, s.StopScan())
		assert.Zero(t, sc.cancels)
		assert.Equal(t, Idle, s.State())
	})
}

func TestScanAbortedFinishesCycle(t *testing.T) {
	s, _, rec := newSession(t)
	require.NoError(t, s.StartScan())
	gen := s.Generation()
	s.PeerSeen(gen, seen("AA:1"))

	s.ScanAborted(gen, errors.New("adapter removed"))

	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []int{1}, rec.finished)
	assert.Len(t, s.Peers(), 1)
}

func TestStartScanClearsDirectory(t *testing.T) {
	s, _, _ := newSession(t)
	require.NoError(t, s.StartScan())
	s.PeerSeen(s.Generation(), seen("AA:1"))
	s.ScanEnded(s.Generation())
	require.Len(t, s.Peers(), 1)

	require.NoError(t, s.StartScan())
	assert.Empty(t, s.Peers())
}

type reentrantNotifier struct {
	s     *Session
	peers int
}

func (r *reentrantNotifier) PeerFound(Record) {
	r.peers = len(r.s.Peers())
	_ = r.s.StopScan()
}

func (r *reentrantNotifier) DiscoveryFinished(int) {}

func TestNotifierMayCallBack(t *testing.T) {
	sc := newFakeScanner()
	n := &reentrantNotifier{}
	s := NewSession(Options{Scanner: sc, Gate: gate.New(sc), Notifier: n, Logger: logger.Discard()})
	n.s = s

	require.NoError(t, s.StartScan())
	s.PeerSeen(s.Generation(), seen("AA:1"))

	assert.Equal(t, 1, n.peers)
	assert.Equal(t, Idle, s.State())
}

func TestConcurrentSightings(t *testing.T) {
	s, _, rec := newSession(t)
	require.NoError(t, s.StartScan())
	gen := s.Generation()

	addrs := []string{"AA:1", "BB:2", "CC:3", "DD:4"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, a := range addrs {
				s.PeerSeen(gen, seen(a))
				_ = s.Peers()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Peers(), len(addrs))
	assert.Len(t, rec.found, len(addrs))
}

type queryingNotifier struct {
	s     *Session
	found atomic.Int32
}

func (q *queryingNotifier) PeerFound(Record) {
	time.Sleep(time.Millisecond)
	_ = q.s.State()
	_ = q.s.Generation()
	q.found.Add(1)
}

func (q *queryingNotifier) DiscoveryFinished(int) {
	_ = q.s.State()
}

func TestConcurrentSightingsWithCallingNotifier(t *testing.T) {
	sc := newFakeScanner()
	n := &queryingNotifier{}
	s := NewSession(Options{Scanner: sc, Gate: gate.New(sc), Notifier: n, Logger: logger.Discard()})
	n.s = s

	require.NoError(t, s.StartScan())
	gen := s.Generation()

	addrs := []string{"AA:1", "BB:2", "CC:3", "DD:4"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, a := range addrs {
			wg.Add(1)
			go func(a string) {
				defer wg.Done()
				s.PeerSeen(gen, seen(a))
			}(a)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ScanEnded(gen)
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink calls blocked while the notifier queried the session")
	}
	require.NoError(t, s.StopScan())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, int32(len(s.Peers())), n.found.Load())
}
