package node

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/discovery"
	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/link"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/store"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/rudransh-shrivastava/btlink/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, journal Journal) (*Node, *memory.Radio) {
	t.Helper()
	radio := memory.New()
	n, err := New(Options{
		Transport:      radio,
		Logger:         logger.Discard(),
		Journal:        journal,
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, radio
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestDiscoveryPublishesDeduplicatedPeers(t *testing.T) {
	n, radio := newNode(t, nil)
	events, cancel := n.Subscribe()
	defer cancel()

	require.NoError(t, n.StartDiscovery())
	for _, a := range []transport.Address{"AA:1", "BB:2", "AA:1"} {
		radio.Announce(transport.Sighting{Address: a, Kind: transport.KindClassic})
	}
	radio.EndScan()
	radio.Flush()

	ev := next(t, events)
	assert.Equal(t, PeerFound, ev.Kind)
	assert.Equal(t, transport.Address("AA:1"), ev.Address)
	ev = next(t, events)
	assert.Equal(t, PeerFound, ev.Kind)
	assert.Equal(t, transport.Address("BB:2"), ev.Address)
	ev = next(t, events)
	assert.Equal(t, DiscoveryFinished, ev.Kind)
	assert.Equal(t, 2, ev.Count)

	peers := n.DiscoveredPeers()
	require.Len(t, peers, 2)
	assert.Equal(t, transport.Address("AA:1"), peers[0].Address)
	assert.Equal(t, transport.Address("BB:2"), peers[1].Address)
	assert.Equal(t, discovery.Idle, n.DiscoveryState())
}

func TestConnectStopsDiscovery(t *testing.T) {
	n, radio := newNode(t, nil)
	radio.Listen("AA:1", transport.PrimaryService(), memory.Echo)

	require.NoError(t, n.StartDiscovery())
	require.True(t, radio.Scanning())

	_, err := n.Connect(context.Background(), "AA:1")
	require.NoError(t, err)
	assert.False(t, radio.Scanning())
	assert.Equal(t, discovery.Idle, n.DiscoveryState())
}

func TestSessionIsJournaled(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	journal := store.NewJournal(db)
	t.Cleanup(func() { _ = journal.Close() })

	n, radio := newNode(t, journal)
	reply := make(chan struct{})
	radio.Listen("AA:1", transport.PrimaryService(), func(remote transport.Stream) {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(remote, buf)
		<-reply
		_, _ = remote.Write([]byte("world"))
		_ = remote.Close()
	})
	events, cancel := n.Subscribe()
	defer cancel()

	_, err = n.Connect(context.Background(), "AA:1")
	require.NoError(t, err)
	require.NoError(t, n.Send("AA:1", []byte("hello")))
	close(reply)

	var kinds []EventKind
	for len(kinds) < 3 {
		kinds = append(kinds, next(t, events).Kind)
	}
	assert.Equal(t, []EventKind{ConnectionResult, MessageReceived, ConnectionLost}, kinds)

	assert.ErrorIs(t, n.Send("AA:1", []byte("x")), link.ErrNotConnected)

	entries, err := n.History(context.Background(), "AA:1", 0)
	require.NoError(t, err)
	var got []store.Kind
	for _, e := range entries {
		got = append(got, e.Kind)
	}
	assert.Equal(t, []store.Kind{store.KindConnected, store.KindSent, store.KindReceived, store.KindLost}, got)
}

func TestHistoryWithoutJournal(t *testing.T) {
	n, _ := newNode(t, nil)
	_, err := n.History(context.Background(), "AA:1", 10)
	assert.ErrorIs(t, err, ErrNoJournal)
}

func TestPairedPeersRespectsGate(t *testing.T) {
	n, radio := newNode(t, nil)
	radio.SetBonded(transport.Sighting{Address: "AA:1", Name: "Headset", Bond: transport.BondBonded})

	peers, err := n.PairedPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	radio.SetAuthorized(false)
	_, err = n.PairedPeers()
	assert.ErrorIs(t, err, gate.ErrUnauthorized)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	radio := memory.New()
	n, err := New(Options{Transport: radio, Logger: logger.Discard(), EventBuffer: 1})
	require.NoError(t, err)
	defer n.Close()

	slow, cancelSlow := n.Subscribe()
	defer cancelSlow()

	require.NoError(t, n.StartDiscovery())
	radio.Announce(transport.Sighting{Address: "AA:1"})
	radio.Announce(transport.Sighting{Address: "BB:2"})
	radio.Flush()

	ev := next(t, slow)
	assert.Equal(t, transport.Address("AA:1"), ev.Address)
	select {
	case ev := <-slow:
		t.Fatalf("expected overflow to be dropped, got %v", ev.Kind)
	default:
	}
	assert.Len(t, n.DiscoveredPeers(), 2)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	radio := memory.New()
	n, err := New(Options{Transport: radio, Logger: logger.Discard()})
	require.NoError(t, err)

	events, _ := n.Subscribe()
	require.NoError(t, n.Close())

	_, ok := <-events
	assert.False(t, ok)
	assert.NoError(t, n.Close())
}
