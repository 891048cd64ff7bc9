package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics/provider"
	"go.uber.org/zap"
)

// MethodFactory constructs a Method from the raw JSON payload of an
// IFRAME.CALL message. Registered per method name (spec.md section 4.5,
// "Preamble ... Look up the method").
type MethodFactory func(responseID uint32, payload json.RawMessage) (Method, error)

// TransportInfo is returned by Controller.GetTransportInfo (spec.md
// section 4.7).
type TransportInfo struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	Outdated     bool   `json:"outdated"`
	SessionCount int    `json:"sessionCount"`
}

// Controller is the Core Controller (C7): it owns the DeviceList, the
// PopupPromise slot, the UiPromise registry, the CallRegistry, and the
// Interaction Timeout (spec.md section 3, "Ownership"). Grounded on
// device.Manager (device/manager.go): a single constructed value that owns
// the registry, listeners, and config, and exposes a small public surface.
//
// Per spec.md section 9's design note, the module-level singletons of the
// original implementation are fields of this single value; no process-wide
// mutable state remains.
type Controller struct {
	logger   *zap.Logger
	settings Settings
	measures Measures

	gateway    *Gateway
	popup      *PopupPromise
	uiPromises *uiPromiseRegistry
	callRegistry *CallRegistry
	preferred  *PreferredDevice
	timeout    *InteractionTimeout
	selector   *deviceSelector

	deviceListMu sync.RWMutex
	deviceList   DeviceList
	unsubscribe  func()

	factoriesMu sync.RWMutex
	factories   map[string]MethodFactory

	penaltiesMu sync.Mutex
	penalties   map[DevicePath]time.Time

	wg       sync.WaitGroup
	disposed bool
	disposeMu sync.Mutex

	reconnectStop chan struct{}

	// transportFactory builds a fresh DeviceList for the configured
	// TransportKind, injected so tests and alternate transports (bridge
	// daemon, WebUSB) can be substituted without touching the dispatcher.
	transportFactory func(settings Settings) (DeviceList, error)
}

// New constructs a Controller per spec.md section 4.7's init(settings).
func New(settings Settings, logger *zap.Logger, metricsProvider provider.Provider, transportFactory func(Settings) (DeviceList, error)) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metricsProvider == nil {
		metricsProvider = provider.NewDiscardProvider()
	}

	c := &Controller{
		logger:           logger,
		settings:         settings,
		measures:         NewMeasures(metricsProvider),
		popup:            &PopupPromise{},
		uiPromises:       newUIPromiseRegistry(),
		callRegistry:     NewCallRegistry(),
		preferred:        &PreferredDevice{},
		selector:         newDeviceSelector(logger),
		factories:        make(map[string]MethodFactory),
		penalties:        make(map[DevicePath]time.Time),
		transportFactory: transportFactory,
	}
	c.gateway = newGateway(logger)
	c.timeout = NewInteractionTimeout(settings.effectiveInteractionTimeout(), c.onInteractionTimeout)
	c.wireGateway()
	return c
}

// RegisterMethod adds a MethodFactory under name, used by the Preamble's
// method lookup (spec.md section 4.5).
func (c *Controller) RegisterMethod(name string, factory MethodFactory) {
	c.factoriesMu.Lock()
	defer c.factoriesMu.Unlock()
	c.factories[name] = factory
}

func (c *Controller) lookupFactory(name string) (MethodFactory, bool) {
	c.factoriesMu.RLock()
	defer c.factoriesMu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Subscribe registers an outbound message subscriber (the popup or caller
// frame), returning an unsubscribe function.
func (c *Controller) Subscribe(sub Subscriber) func() {
	return c.gateway.Subscribe(sub)
}

// emit is the Controller's single outbound fan-out point.
func (c *Controller) emit(msg CoreMessage) {
	c.gateway.Emit(msg)
}

// HandleMessage implements spec.md section 4.3/4.7: inbound dispatch by
// message type and origin trust.
func (c *Controller) HandleMessage(msg CoreMessage, trusted bool) {
	c.gateway.HandleMessage(msg, trusted)
}

func (c *Controller) wireGateway() {
	c.gateway.onPopupHandshake = func() {
		c.popup.Resolve()
	}
	c.gateway.onPopupClosed = func(payload json.RawMessage) {
		c.onPopupClosed(payload)
	}
	c.gateway.onDisableWebUSB = func() {
		c.onDisableWebUSB()
	}
	c.gateway.onUIResponse = func(tag EventTag, payload json.RawMessage) {
		promise := c.uiPromises.Find(tag)
		if promise == nil {
			return
		}
		promise.Resolve(UIPayload{Event: tag, Payload: payload})
	}
	c.gateway.onIframeCall = func(trusted bool, id uint32, payload json.RawMessage) {
		c.handleIframeCall(trusted, id, payload)
	}
}

type callEnvelope struct {
	Method string `json:"method"`
}

func (c *Controller) handleIframeCall(trusted bool, id uint32, payload json.RawMessage) {
	var env callEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		c.emit(NewFailureResponse(id, NewErrorf(ErrMethodInvalidParameter, "malformed call payload")))
		return
	}

	factory, ok := c.lookupFactory(env.Method)
	if !ok {
		c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		c.emit(NewFailureResponse(id, NewErrorf(ErrMethodInvalidParameter, "unknown method %q", env.Method)))
		return
	}

	m, err := factory(id, payload)
	if err != nil {
		c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		c.emit(NewFailureResponse(id, err))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Dispatch(m, trusted)
	}()
}

func (c *Controller) onPopupClosed(payload json.RawMessage) {
	// Idempotent per spec.md section 8, invariant 7: rejecting an
	// already-resolved/rejected popup promise and an empty UiPromise
	// registry are both no-ops.
	err := NewError(ErrMethodInterrupted)

	c.deviceListMu.RLock()
	list := c.deviceList
	c.deviceListMu.RUnlock()

	usedHere := false
	if list != nil {
		for _, d := range list.Devices() {
			if d.IsUsedHere() {
				d.InterruptionFromUser(err)
				usedHere = true
			}
		}
	}

	if !usedHere {
		c.uiPromises.Clear(err)
		c.popup.Reject(err)
	}
}

func (c *Controller) onDisableWebUSB() {
	c.deviceListMu.Lock()
	defer c.deviceListMu.Unlock()
	if c.deviceList != nil && c.deviceList.Kind() == TransportWebUSB {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.deviceList.Dispose()
		c.deviceList = nil
		settings := c.settings
		settings.WebUSB = false
		c.settings = settings
	}
	go c.InitTransport(c.settings)
}

// InitTransport implements spec.md section 4.7's initTransport(settings): if
// transportReconnect is true, it does not block on first init; any transport
// failure triggers a full dispose + 1s backoff + retry forever.
func (c *Controller) InitTransport(settings Settings) error {
	if c.transportFactory == nil {
		return NewError(ErrTransportMissing)
	}

	attempt := func() error {
		list, err := c.transportFactory(settings)
		if err != nil {
			return err
		}
		c.setDeviceList(list)
		c.emit(NewTransportMessage(TagTransportStart, nil))
		return nil
	}

	if !settings.TransportReconnect {
		return attempt()
	}

	go func() {
		stop := make(chan struct{})
		c.disposeMu.Lock()
		c.reconnectStop = stop
		c.disposeMu.Unlock()

		for {
			if err := attempt(); err == nil {
				return
			}
			select {
			case <-time.After(time.Second):
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (c *Controller) setDeviceList(list DeviceList) {
	c.deviceListMu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.deviceList = list
	c.unsubscribe = list.Subscribe(c.onDeviceListEvent)
	c.deviceListMu.Unlock()
}

func (c *Controller) currentDeviceList() DeviceList {
	c.deviceListMu.RLock()
	defer c.deviceListMu.RUnlock()
	return c.deviceList
}

func (c *Controller) onDeviceListEvent(e DeviceListEvent) {
	defer c.reportDeviceGauge()
	switch e.Type {
	case DLConnect:
		c.measures.Connect.Add(1)
		c.emit(NewDeviceMessage(TagDeviceConnect, e.Device.ToMessageObject()))
	case DLConnectUnacquired:
		c.measures.Connect.Add(1)
		c.emit(NewDeviceMessage(TagDeviceConnect, e.Device.ToMessageObject()))
	case DLDisconnect:
		c.measures.Disconnect.Add(1)
		c.preferred.ClearIfMatches(e.Device.Path())
		c.uiPromises.RemoveForDevice(e.Device.Path())
		c.emit(NewDeviceMessage(TagDeviceDisconnect, e.Device.ToMessageObject()))
	case DLChanged:
		c.emit(NewDeviceMessage(TagDeviceChanged, nil))
	case DLTransportStart:
		c.emit(NewTransportMessage(TagTransportStart, nil))
	case DLTransportError:
		c.handleTransportError(e.Err)
	}
}

func (c *Controller) reportDeviceGauge() {
	if list := c.currentDeviceList(); list != nil {
		c.measures.Device.Set(float64(len(list.Devices())))
	}
}

func (c *Controller) handleTransportError(err error) {
	c.deviceListMu.Lock()
	if c.deviceList != nil {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.deviceList.Dispose()
		c.deviceList = nil
	}
	c.deviceListMu.Unlock()

	c.emit(NewTransportMessage(TagTransportError, struct {
		Error string `json:"error"`
	}{err.Error()}))

	if c.settings.TransportReconnect {
		go func() {
			time.Sleep(time.Second)
			_ = c.InitTransport(c.settings)
		}()
	}
}

func (c *Controller) onInteractionTimeout(reason string) {
	c.onPopupClosed(nil)
}

// GetTransportInfo implements spec.md section 4.7.
func (c *Controller) GetTransportInfo() TransportInfo {
	list := c.currentDeviceList()
	if list == nil {
		return TransportInfo{Type: "", Version: "", Outdated: true, SessionCount: c.callRegistry.Len()}
	}
	return TransportInfo{
		Type:         string(list.Kind()),
		Version:      "1.0",
		Outdated:     false,
		SessionCount: c.callRegistry.Len(),
	}
}

// GetCurrentMethod returns the CallRegistry snapshot (spec.md section 4.7).
func (c *Controller) GetCurrentMethod() []Method {
	return c.callRegistry.Snapshot()
}

// Dispose implements spec.md section 4.7: disposes the DeviceList, disposes
// the backend, removes all listeners. It waits for in-flight calls to finish
// their Cleanup phase, grounded on the teacher's sync.Once-guarded pump
// shutdown (device/manager.go pumpClose).
func (c *Controller) Dispose() {
	c.disposeMu.Lock()
	if c.disposed {
		c.disposeMu.Unlock()
		return
	}
	c.disposed = true
	if c.reconnectStop != nil {
		close(c.reconnectStop)
	}
	c.disposeMu.Unlock()

	c.deviceListMu.Lock()
	if c.deviceList != nil {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.deviceList.Dispose()
		c.deviceList = nil
	}
	c.deviceListMu.Unlock()

	c.timeout.Stop()
	c.wg.Wait()
}

func (c *Controller) registerPenalty(path DevicePath) {
	c.penaltiesMu.Lock()
	defer c.penaltiesMu.Unlock()
	c.penalties[path] = time.Now().Add(DefaultAuthPenalty)
}

func (c *Controller) clearPenalty(path DevicePath) {
	c.penaltiesMu.Lock()
	defer c.penaltiesMu.Unlock()
	delete(c.penalties, path)
}
