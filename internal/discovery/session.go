// Package discovery owns the scan lifecycle. It consumes raw sink events from
// the transport, deduplicates them into a Directory and raises notifications.
//
// Every scan start bumps a generation counter. Events tagged with an older
// generation belong to a superseded cycle and are dropped, so a late
// completion from a previous scan can never end the current one.
package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyScanning = errors.New("discovery already in progress")
	ErrDiscoveryFailed = errors.New("discovery failed")
)

type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

// Notifier receives discovery notifications in the order the events were
// processed.
type Notifier interface {
	PeerFound(rec Record)
	DiscoveryFinished(count int)
}

type Options struct {
	Scanner  transport.Scanner
	Gate     *gate.Gate
	Notifier Notifier
	Logger   *logrus.Logger
}

type Session struct {
	scanner transport.Scanner
	gate    *gate.Gate
	notify  Notifier
	dir     *Directory
	logger  *logrus.Logger

	mu    sync.Mutex
	state State
	gen   uint64

	// emitMu serializes sink events. It is taken before mu and held across
	// the callback, so notifications leave in mutation order while mu stays
	// free for a notifier that calls back in.
	emitMu sync.Mutex
}

func NewSession(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	return &Session{
		scanner: opts.Scanner,
		gate:    opts.Gate,
		notify:  opts.Notifier,
		dir:     NewDirectory(),
		logger:  log,
	}
}

// StartScan clears the directory and begins a new scan cycle. Calling it while
// a scan is running returns ErrAlreadyScanning.
func (s *Session) StartScan() error {
	if err := s.gate.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Scanning {
		return ErrAlreadyScanning
	}

	s.dir.Reset()
	s.gen++
	if err := s.scanner.BeginScan(s.gen, s); err != nil {
		s.logger.Warnf("Transport refused to start scan %d: %v", s.gen, err)
		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	s.state = Scanning
	s.logger.Debugf("Scan %d started", s.gen)
	return nil
}

// StopScan always leaves the session Idle. When the gate fails the transport
// is not touched: a radio that is off or revoked is not scanning anyway.
func (s *Session) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Idle {
		return nil
	}
	s.state = Idle

	if err := s.gate.Check(); err != nil {
		s.logger.Debugf("Scan %d dropped without cancel: %v", s.gen, err)
		return nil
	}
	if err := s.scanner.CancelScan(); err != nil {
		s.logger.Warnf("Failed to cancel scan %d: %v", s.gen, err)
		return fmt.Errorf("%w: cancel: %w", ErrDiscoveryFailed, err)
	}
	s.logger.Debugf("Scan %d stopped", s.gen)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Peers returns the directory snapshot in first-seen order.
func (s *Session) Peers() []Record {
	return s.dir.List()
}

func (s *Session) Peer(addr transport.Address) (Record, bool) {
	return s.dir.Get(addr)
}

// PeerSeen implements transport.ScanSink.
func (s *Session) PeerSeen(gen uint64, sighting transport.Sighting) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.logger.Debugf("Dropping stale sighting of %s from scan %d", sighting.Address, gen)
		return
	}
	rec, inserted := s.dir.Upsert(sighting)
	s.mu.Unlock()

	if inserted && s.notify != nil {
		s.notify.PeerFound(rec)
	}
}

// ScanEnded implements transport.ScanSink.
func (s *Session) ScanEnded(gen uint64) {
	s.finish(gen, nil)
}

// ScanAborted implements transport.ScanSink.
func (s *Session) ScanAborted(gen uint64, err error) {
	s.finish(gen, err)
}

func (s *Session) finish(gen uint64, cause error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.logger.Debugf("Dropping stale end of scan %d", gen)
		return
	}
	s.state = Idle
	count := s.dir.Len()
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warnf("Scan %d aborted by transport: %v", gen, cause)
	} else {
		s.logger.Infof("Scan %d finished with %d peers", gen, count)
	}
	if s.notify != nil {
		s.notify.DiscoveryFinished(count)
	}
}

func (s *Session) currentLocked(gen uint64) bool {
	return gen == s.gen && s.state == Scanning
}

var _ transport.ScanSink = (*Session)(nil)
