package bridge

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/discovery"
	"github.com/rudransh-shrivastava/btlink/internal/gate"
	"github.com/rudransh-shrivastava/btlink/internal/link"
	"github.com/rudransh-shrivastava/btlink/internal/node"
	"github.com/rudransh-shrivastava/btlink/internal/store"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodIsEnabled         = "isBluetoothEnabled"
	MethodIsAuthorized      = "isAuthorized"
	MethodStartDiscovery    = "startDiscovery"
	MethodStopDiscovery     = "stopDiscovery"
	MethodDiscoveredDevices = "getDiscoveredDevices"
	MethodPairedDevices     = "getPairedDevices"
	MethodConnect           = "connectToDevice"
	MethodSendMessage       = "sendMessage"
	MethodDisconnect        = "disconnect"
	MethodConnections       = "getConnections"
	MethodHistory           = "getHistory"
)

const (
	EventDeviceFound       = "onDeviceFound"
	EventDiscoveryFinished = "onDiscoveryFinished"
	EventConnectionResult  = "onConnectionResult"
	EventMessageReceived   = "onMessageReceived"
	EventConnectionLost    = "onConnectionLost"
)

const (
	CodeNotAvailable     = "BLUETOOTH_NOT_AVAILABLE"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeAlreadyScanning  = "ALREADY_SCANNING"
	CodeAlreadyConnected = "ALREADY_CONNECTED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeConnectionError  = "CONNECTION_ERROR"
	CodeSendError        = "SEND_ERROR"
	CodeDiscoveryFailed  = "DISCOVERY_FAILED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
	CodeInternal         = "INTERNAL"
)

const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// RemoteError is a failed call as reported by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var errInvalidArgument = errors.New("invalid argument")

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, gate.ErrUnavailable):
		return CodeNotAvailable
	case errors.Is(err, gate.ErrUnauthorized):
		return CodePermissionDenied
	case errors.Is(err, discovery.ErrAlreadyScanning):
		return CodeAlreadyScanning
	case errors.Is(err, discovery.ErrDiscoveryFailed):
		return CodeDiscoveryFailed
	case errors.Is(err, link.ErrAlreadyConnected):
		return CodeAlreadyConnected
	case errors.Is(err, link.ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, link.ErrConnectFailed):
		return CodeConnectionError
	case errors.Is(err, link.ErrSendFailed):
		return CodeSendError
	case errors.Is(err, errInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, node.ErrNoJournal):
		return CodeNotImplemented
	default:
		return CodeInternal
	}
}

func requestFrame(id, method string, args map[string]any) (*structpb.Struct, error) {
	if args == nil {
		args = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"type":   frameRequest,
		"id":     id,
		"method": method,
		"args":   args,
	})
}

func resultFrame(id string, result any) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":   frameResponse,
		"id":     id,
		"ok":     true,
		"result": result,
	})
}

func errorFrame(id string, err error) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(frameResponse),
		"id":   structpb.NewStringValue(id),
		"ok":   structpb.NewBoolValue(false),
		"error": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"code":    structpb.NewStringValue(ErrorCode(err)),
			"message": structpb.NewStringValue(err.Error()),
		}}),
	}}
}

func eventFrame(ev node.Event) (*structpb.Struct, error) {
	name, data := encodeEvent(ev)
	return structpb.NewStruct(map[string]any{
		"type":  frameEvent,
		"event": name,
		"data":  data,
	})
}

func encodeEvent(ev node.Event) (string, map[string]any) {
	switch ev.Kind {
	case node.PeerFound:
		return EventDeviceFound, deviceMap(sightingOf(ev.Peer))
	case node.DiscoveryFinished:
		return EventDiscoveryFinished, map[string]any{"count": ev.Count}
	case node.ConnectionResult:
		return EventConnectionResult, map[string]any{
			"success":       ev.OK,
			"message":       ev.Detail,
			"deviceAddress": ev.Address.String(),
		}
	case node.MessageReceived:
		return EventMessageReceived, map[string]any{
			"message":       base64.StdEncoding.EncodeToString(ev.Payload),
			"deviceAddress": ev.Address.String(),
		}
	default:
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		return EventConnectionLost, map[string]any{
			"message":       detail,
			"deviceAddress": ev.Address.String(),
		}
	}
}

func sightingOf(r discovery.Record) transport.Sighting {
	return transport.Sighting{
		Address: r.Address,
		Name:    r.Name,
		Kind:    r.Kind,
		Bond:    r.Bond,
		RSSI:    r.RSSI,
	}
}

func deviceMap(s transport.Sighting) map[string]any {
	m := map[string]any{
		"name":      discovery.DisplayName(s.Name),
		"address":   s.Address.String(),
		"type":      s.Kind.String(),
		"bondState": s.Bond.String(),
	}
	if s.RSSI != nil {
		m["rssi"] = int(*s.RSSI)
	}
	return m
}

func handleMap(h link.Handle) map[string]any {
	return map[string]any{
		"id":            h.ID.String(),
		"deviceAddress": h.Address.String(),
		"strategy":      h.Strategy,
		"openedAt":      h.OpenedAt.UTC().Format(time.RFC3339Nano),
	}
}

func entryMap(e store.Entry) map[string]any {
	return map[string]any{
		"sessionId":     e.SessionID,
		"deviceAddress": e.Address,
		"kind":          string(e.Kind),
		"message":       base64.StdEncoding.EncodeToString(e.Payload),
		"detail":        e.Detail,
		"createdAt":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s is required", errInvalidArgument, key)
	}
	return v, nil
}

func bytesArg(args map[string]any, key string) ([]byte, error) {
	s, ok := args[key].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", errInvalidArgument, key)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64: %v", errInvalidArgument, key, err)
	}
	return b, nil
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}
