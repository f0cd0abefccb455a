package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rudransh-shrivastava/btlink/internal/discovery"
	"github.com/rudransh-shrivastava/btlink/internal/link"
	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/rudransh-shrivastava/btlink/internal/node"
	"github.com/rudransh-shrivastava/btlink/internal/store"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is the node surface the bridge serves. *node.Node implements it.
type Backend interface {
	IsAvailable() bool
	IsAuthorized() bool
	StartDiscovery() error
	StopDiscovery() error
	DiscoveredPeers() []discovery.Record
	PairedPeers() ([]transport.Sighting, error)
	Connect(ctx context.Context, addr transport.Address) (link.Handle, error)
	Send(addr transport.Address, payload []byte) error
	Disconnect(addr transport.Address) error
	Connections() []link.Handle
	History(ctx context.Context, addr transport.Address, limit int) ([]store.Entry, error)
	Subscribe() (<-chan node.Event, func())
}

const defaultHistoryLimit = 50

type Server struct {
	backend Backend
	logger  *logrus.Logger
}

func NewServer(b Backend, log *logrus.Logger) *Server {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Server{backend: b, logger: log}
}

// Listen binds a unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return l, nil
}

// Serve accepts clients until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	s.logger.Info("IPC server started")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting client: %w", err)
		}
		s.logger.Debug("Accepted a new socket connection")
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn serves one client until it disconnects. Requests run
// concurrently; events are pushed as they happen.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var wmu sync.Mutex
	write := func(f *structpb.Struct) error {
		wmu.Lock()
		defer wmu.Unlock()
		return WriteFrame(conn, f)
	}

	events, unsubscribe := s.backend.Subscribe()
	var wg sync.WaitGroup

	defer conn.Close()
	defer unsubscribe()
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpEvents(ctx, events, write)
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warnf("Error reading from client: %v", err)
			}
			return
		}

		req := frame.AsMap()
		if req["type"] != frameRequest {
			s.logger.Warnf("Ignoring frame of type %v", req["type"])
			continue
		}
		id, _ := req["id"].(string)
		method, _ := req["method"].(string)
		args, _ := req["args"].(map[string]any)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := write(s.handle(ctx, id, method, args)); err != nil {
				s.logger.Warnf("Failed to answer %s: %v", method, err)
			}
		}()
	}
}

func (s *Server) pumpEvents(ctx context.Context, events <-chan node.Event, write func(*structpb.Struct) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f, err := eventFrame(ev)
			if err != nil {
				s.logger.Warnf("Failed to encode %s event: %v", ev.Kind, err)
				continue
			}
			if err := write(f); err != nil {
				s.logger.Debugf("Failed to push event: %v", err)
				return
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, id, method string, args map[string]any) *structpb.Struct {
	s.logger.Debugf("Handling %s", method)
	result, err := s.dispatch(ctx, method, args)
	if err != nil {
		return errorFrame(id, err)
	}
	f, err := resultFrame(id, result)
	if err != nil {
		return errorFrame(id, err)
	}
	return f
}

func (s *Server) dispatch(ctx context.Context, method string, args map[string]any) (any, error) {
	switch method {
	case MethodIsEnabled:
		return s.backend.IsAvailable(), nil

	case MethodIsAuthorized:
		return s.backend.IsAuthorized(), nil

	case MethodStartDiscovery:
		if err := s.backend.StartDiscovery(); err != nil {
			return nil, err
		}
		return true, nil

	case MethodStopDiscovery:
		if err := s.backend.StopDiscovery(); err != nil {
			return nil, err
		}
		return true, nil

	case MethodDiscoveredDevices:
		peers := s.backend.DiscoveredPeers()
		out := make([]any, 0, len(peers))
		for _, p := range peers {
			out = append(out, deviceMap(sightingOf(p)))
		}
		return out, nil

	case MethodPairedDevices:
		peers, err := s.backend.PairedPeers()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(peers))
		for _, p := range peers {
			out = append(out, deviceMap(p))
		}
		return out, nil

	case MethodConnect:
		addr, err := stringArg(args, "deviceAddress")
		if err != nil {
			return nil, err
		}
		h, err := s.backend.Connect(ctx, transport.Address(addr))
		if err != nil {
			return nil, err
		}
		return handleMap(h), nil

	case MethodSendMessage:
		addr, err := stringArg(args, "deviceAddress")
		if err != nil {
			return nil, err
		}
		payload, err := bytesArg(args, "message")
		if err != nil {
			return nil, err
		}
		if err := s.backend.Send(transport.Address(addr), payload); err != nil {
			return nil, err
		}
		return true, nil

	case MethodDisconnect:
		addr, err := stringArg(args, "deviceAddress")
		if err != nil {
			return nil, err
		}
		if err := s.backend.Disconnect(transport.Address(addr)); err != nil {
			return nil, err
		}
		return true, nil

	case MethodConnections:
		hs := s.backend.Connections()
		out := make([]any, 0, len(hs))
		for _, h := range hs {
			out = append(out, handleMap(h))
		}
		return out, nil

	case MethodHistory:
		addr, err := stringArg(args, "deviceAddress")
		if err != nil {
			return nil, err
		}
		entries, err := s.backend.History(ctx, transport.Address(addr), intArg(args, "limit", defaultHistoryLimit))
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryMap(e))
		}
		return out, nil

	default:
		return nil, &RemoteError{Code: CodeNotImplemented, Message: "unknown method " + method}
	}
}
