package core

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// bridgeWebsocketDialer is the low-level dial behavior a BridgeDialer needs,
// mirroring device.websocketDialer (device/dialer.go) so a test double can
// stand in for *websocket.Dialer.
type bridgeWebsocketDialer interface {
	Dial(string, http.Header) (*websocket.Conn, *http.Response, error)
}

// BridgeDialerHeader carries the bridge session token used to authenticate
// against a local bridge daemon, mirroring device.DeviceNameHeader
// (device/dialer.go).
const BridgeDialerHeader = "X-Bridge-Session"

// BridgeDialer dials a local bridge-daemon process that owns the actual USB
// transport and multiplexes device enumeration/IO over one websocket
// connection, grounded on device.Dialer (device/dialer.go).
type BridgeDialer interface {
	DialBridge(url string, extra http.Header) (*websocket.Conn, *http.Response, error)
}

// BridgeDialerOptions configures a BridgeDialer, mirroring
// device.DialerOptions (device/dialer.go).
type BridgeDialerOptions struct {
	SessionHeader string
	SessionID     string
	WSDialer      bridgeWebsocketDialer
}

type bridgeDialer struct {
	header    string
	sessionID string
	wd        bridgeWebsocketDialer
}

// NewBridgeDialer constructs a BridgeDialer from the given options, defaulting
// to gorilla's websocket.Dialer and BridgeDialerHeader when unset. When
// SessionID is left blank, a fresh one is minted with ksuid so the bridge
// daemon can tell repeated connects from the same browser tab apart from a
// fresh one, mirroring device.Manager's per-connection device id assignment
// (device/manager.go) adapted from "identify a device" to "identify a
// connecting client".
func NewBridgeDialer(o BridgeDialerOptions) BridgeDialer {
	d := &bridgeDialer{header: o.SessionHeader, sessionID: o.SessionID, wd: o.WSDialer}
	if d.header == "" {
		d.header = BridgeDialerHeader
	}
	if d.sessionID == "" {
		d.sessionID = ksuid.New().String()
	}
	if d.wd == nil {
		d.wd = &websocket.Dialer{}
	}
	return d
}

func (d *bridgeDialer) DialBridge(url string, extra http.Header) (*websocket.Conn, *http.Response, error) {
	header := make(http.Header, 1+len(extra))
	for name, values := range extra {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if header.Get(d.header) == "" {
		header.Set(d.header, d.sessionID)
	}
	return d.wd.Dial(url, header)
}

// bridgeFrame is the wire shape of one message from the bridge daemon,
// carrying either a device enumeration event or a raw device reply.
type bridgeFrame struct {
	Type     string          `json:"type"`
	Path     DevicePath      `json:"path"`
	Features Features        `json:"features,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// BridgeTransportOptions configures NewBridgeDeviceList.
type BridgeTransportOptions struct {
	URL    string
	Dialer BridgeDialer
	Logger *zap.Logger
}

// NewBridgeDeviceList dials a local bridge daemon and returns a DeviceList
// that is kept live by a background read pump, grounded on
// device/manager.go's Connect+readPump pairing (upgrade once, then feed
// enumeration state from a dedicated goroutine).
func NewBridgeDeviceList(o BridgeTransportOptions) (DeviceList, error) {
	if o.Dialer == nil {
		o.Dialer = NewBridgeDialer(BridgeDialerOptions{})
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := o.Dialer.DialBridge(o.URL, nil)
	if err != nil {
		return nil, WrapError(ErrTransportMissing, err)
	}

	list := &bridgeDeviceList{
		inMemoryDeviceList: NewInMemoryDeviceList(TransportBridge),
		conn:               conn,
		logger:             logger,
		closed:             make(chan struct{}),
	}
	go list.readPump()
	return list, nil
}

// NewBridgeTransportFactory builds the transportFactory Controller.New and
// Controller.InitTransport need, dialing settings.BridgeURL on every attempt
// (so a retry under transportReconnect re-dials rather than reusing a dead
// connection).
func NewBridgeTransportFactory(dialer BridgeDialer, logger *zap.Logger) func(Settings) (DeviceList, error) {
	return func(settings Settings) (DeviceList, error) {
		if settings.BridgeURL == "" {
			return nil, NewErrorf(ErrTransportMissing, "no bridge URL configured")
		}
		return NewBridgeDeviceList(BridgeTransportOptions{
			URL:    settings.BridgeURL,
			Dialer: dialer,
			Logger: logger,
		})
	}
}

// bridgeDeviceList adapts a live bridge-daemon websocket connection onto the
// in-memory DeviceList, translating bridge frames into Add/Remove calls.
type bridgeDeviceList struct {
	*inMemoryDeviceList

	conn   *websocket.Conn
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *bridgeDeviceList) readPump() {
	defer l.Dispose()

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			l.logger.Warn("bridge connection lost", zap.Error(err))
			l.dispatch(DeviceListEvent{Type: DLTransportError, Err: WrapError(ErrTransportMissing, err)})
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warn("malformed bridge frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "connect":
			l.Add(NewDevice(frame.Path, frame.Features))
		case "disconnect":
			l.Remove(frame.Path)
		case "changed":
			l.dispatch(DeviceListEvent{Type: DLChanged})
		}
	}
}

// Dispose closes the underlying connection in addition to the in-memory
// bookkeeping, overriding inMemoryDeviceList.Dispose.
func (l *bridgeDeviceList) Dispose() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
	l.inMemoryDeviceList.Dispose()
}
