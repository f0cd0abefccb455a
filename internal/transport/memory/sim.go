package memory

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/transport"
)

// Simulator is a Radio with a fixed neighbourhood of echo peers. Each scan
// announces them one by one and ends after the window.
type Simulator struct {
	*Radio
	peers  []transport.Sighting
	window time.Duration
}

// NewSimulator creates count echo peers reachable on both the primary and
// the fallback service.
func NewSimulator(count int, window time.Duration) *Simulator {
	r := New()
	peers := make([]transport.Sighting, 0, count)
	for i := 1; i <= count; i++ {
		rssi := int16(-40 - 5*i)
		s := transport.Sighting{
			Address: transport.Address(fmt.Sprintf("5E:00:00:00:00:%02X", i)),
			Name:    fmt.Sprintf("sim-peer-%d", i),
			Kind:    transport.KindClassic,
			Bond:    transport.BondNone,
			RSSI:    &rssi,
		}
		if i == 1 {
			s.Bond = transport.BondBonded
		}
		r.Listen(s.Address, transport.PrimaryService(), Echo)
		r.Listen(s.Address, transport.FallbackService(), Echo)
		peers = append(peers, s)
	}
	if count > 0 {
		r.SetBonded(peers[0])
	}
	return &Simulator{Radio: r, peers: peers, window: window}
}

func (s *Simulator) BeginScan(gen uint64, sink transport.ScanSink) error {
	if err := s.Radio.BeginScan(gen, sink); err != nil {
		return err
	}
	go s.play(gen)
	return nil
}

func (s *Simulator) play(gen uint64) {
	step := s.window / time.Duration(len(s.peers)+1)
	for _, p := range s.peers {
		select {
		case <-time.After(step):
		case <-s.done:
			return
		}
		if !s.announceIn(gen, p) {
			return
		}
	}
	select {
	case <-time.After(step):
	case <-s.done:
		return
	}
	s.endScanIn(gen)
}
