package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestController() *Controller {
	return New(Settings{Popup: true}, nil, nil, nil)
}

func decodeWireError(t *testing.T, msg CoreMessage) *WireError {
	t.Helper()
	var payload ResponsePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.NotNil(t, payload.Error)
	return payload.Error
}

func recvOrFail(t *testing.T, ch <-chan CoreMessage, timeout time.Duration) CoreMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
		return CoreMessage{}
	}
}

// TestDispatchDeviceLessCall exercises scenario S1 (spec.md section 8): a
// call that does not use a device still goes through the Cleanup block's
// POPUP.CANCEL_POPUP_REQUEST before its RESPONSE, and the CallRegistry
// drains (invariant 2).
func TestDispatchDeviceLessCall(t *testing.T) {
	c := newTestController()

	m := &MockMethod{}
	m.OnResponseID(1)
	m.OnDevicePath("", false)
	m.OnUseDevice(false)
	m.OnRun(map[string]interface{}{"label": "trezor"}, nil)
	m.On("Dispose").Return()

	ch := make(chan CoreMessage, 8)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	c.Dispatch(m, true)

	first := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagPopupCancelRequest, first.Type)

	second := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagResponse, second.Type)
	require.NotNil(t, second.ID)
	assert.EqualValues(t, 1, *second.ID)
	require.NotNil(t, second.Success)
	assert.True(t, *second.Success)

	m.AssertExpectations(t)
	assert.Equal(t, 0, c.callRegistry.Len(), "invariant 2: call registry drains after response")
}

// TestDispatchManagementRequiresTrust covers the Management gate (spec.md
// section 4.5): an untrusted call requiring management permission never
// reaches device acquisition.
func TestDispatchManagementRequiresTrust(t *testing.T) {
	c := newTestController()

	m := &MockMethod{}
	m.OnResponseID(7)
	m.OnDevicePath("", false)
	m.OnRequiredPermissions(NewPermissionSet(PermissionManagement))
	m.OnUseDevice(true)
	m.On("Dispose").Return()

	ch := make(chan CoreMessage, 4)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	c.Dispatch(m, false)

	cancel := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagPopupCancelRequest, cancel.Type)

	resp := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagResponse, resp.Type)
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
	assert.Equal(t, ErrMethodNotAllowed, decodeWireError(t, resp).Code)
	m.AssertExpectations(t)
}

// TestDispatchTransportMissing covers Transport bootstrapping and the Device
// acquisition error path (spec.md section 4.5): with no DeviceList configured
// and transportReconnect off, Dispatch attempts one synchronous init; when
// that still leaves no list, it awaits the popup, emits UI.TRANSPORT, and
// finally fails the call with Transport_Missing.
func TestDispatchTransportMissing(t *testing.T) {
	attempts := 0
	factory := func(Settings) (DeviceList, error) {
		attempts++
		return nil, errors.New("no bridge daemon reachable")
	}
	c := New(Settings{Popup: true}, nil, nil, factory)

	m := &MockMethod{}
	m.OnResponseID(2)
	m.OnDevicePath("", false)
	m.OnRequiredPermissions(NewPermissionSet())
	m.OnUseDevice(true)
	m.On("Dispose").Return()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.popup.Resolve()
	}()

	ch := make(chan CoreMessage, 8)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	c.Dispatch(m, true)

	var sawTransportNotice, sawResponse bool
	for i := 0; i < 8 && !sawResponse; i++ {
		msg := recvOrFail(t, ch, time.Second)
		switch msg.Type {
		case TagUITransport:
			sawTransportNotice = true
		case TagResponse:
			require.NotNil(t, msg.Success)
			assert.False(t, *msg.Success)
			assert.Equal(t, ErrTransportMissing, decodeWireError(t, msg).Code)
			sawResponse = true
		}
	}

	assert.Equal(t, 1, attempts, "transport bootstrapping attempts exactly one synchronous init")
	assert.True(t, sawTransportNotice, "a missing transport gets a UI.TRANSPORT notice before the failure response")
	assert.True(t, sawResponse)
	m.AssertExpectations(t)
}

// TestDispatchSingleDeviceSuccess covers scenario S2 (spec.md section 8):
// one known device, a trusted caller, a method that completes successfully.
// The popup handshake is simulated by resolving the PopupPromise as soon as
// it's opened.
func TestDispatchSingleDeviceSuccess(t *testing.T) {
	c := newTestController()
	list := NewInMemoryDeviceList(TransportUSB)
	list.Add(NewDevice("p1", Features{}))
	c.setDeviceList(list)

	m := &MockMethod{}
	m.OnResponseID(2)
	m.OnRequiredPermissions(NewPermissionSet(PermissionRead))
	m.OnUseDevice(true)
	m.OnDevicePath("", false)
	m.On("DeviceInstance").Return(uint32(0))
	m.On("DeviceState").Return([]byte(nil), false)
	m.On("OverridePreviousCall").Return(false)
	m.OnCheckFirmwareRange(nil)
	m.On("AllowDeviceMode").Return([]DeviceMode(nil))
	m.On("RequireDeviceMode").Return([]DeviceMode(nil))
	m.On("CheckPermissions").Return(nil)
	m.On("GetCustomMessages").Return(nil, false)
	m.On("UseDeviceState").Return(false)
	m.On("KeepSession").Return(false)
	m.On("UseEmptyPassphrase").Return(false)
	m.On("SkipFinalReload").Return(false)
	m.On("Overridden").Return(false)
	m.On("Name").Return("getAddress")
	m.OnRun(map[string]interface{}{"address": "1abc"}, nil)
	m.On("Dispose").Return()

	go func() {
		// Stand in for the popup page completing its handshake as soon as
		// it's asked to open (spec.md section 4.5, "SessionOpen").
		time.Sleep(10 * time.Millisecond)
		c.popup.Resolve()
	}()

	ch := make(chan CoreMessage, 16)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	c.Dispatch(m, true)

	var sawClose, sawResponse bool
	for i := 0; i < 8 && !sawResponse; i++ {
		msg := recvOrFail(t, ch, time.Second)
		switch msg.Type {
		case TagUICloseUIWindow:
			sawClose = true
		case TagResponse:
			require.NotNil(t, msg.Success)
			assert.True(t, *msg.Success)
			sawResponse = true
		}
	}
	assert.True(t, sawClose)
	assert.True(t, sawResponse)
	assert.Equal(t, 0, c.callRegistry.Len())
	m.AssertExpectations(t)
}

// TestDispatchBadPinThenGoodPin covers scenario S3 (spec.md section 8): the
// device rejects the first PIN attempt, the dispatcher emits UI.INVALID_PIN
// and re-enters the session, and the second attempt succeeds.
func TestDispatchBadPinThenGoodPin(t *testing.T) {
	c := newTestController()
	list := NewInMemoryDeviceList(TransportUSB)
	list.Add(NewDevice("p1", Features{}))
	c.setDeviceList(list)

	m := &MockMethod{}
	m.OnResponseID(3)
	m.OnRequiredPermissions(NewPermissionSet())
	m.OnUseDevice(true)
	m.OnDevicePath("p1", true)
	m.On("DeviceInstance").Return(uint32(0))
	m.On("DeviceState").Return([]byte(nil), false)
	m.On("OverridePreviousCall").Return(false)
	m.OnCheckFirmwareRange(nil)
	m.On("AllowDeviceMode").Return([]DeviceMode(nil))
	m.On("RequireDeviceMode").Return([]DeviceMode(nil))
	m.On("CheckPermissions").Return(nil)
	m.On("GetCustomMessages").Return(nil, false)
	m.On("UseDeviceState").Return(false)
	m.On("KeepSession").Return(false)
	m.On("UseEmptyPassphrase").Return(false)
	m.On("SkipFinalReload").Return(false)
	m.On("Overridden").Return(false)
	m.On("Name").Return("signTransaction")
	m.On("Run", mock.Anything).Return(nil, errors.New(InvalidPinErrorMessage)).Once()
	m.On("Run", mock.Anything).Return(map[string]interface{}{"signature": "0xabc"}, nil).Once()
	m.On("Dispose").Return()

	c.popup.Open()
	c.popup.Resolve()

	ch := make(chan CoreMessage, 16)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	c.Dispatch(m, true)

	var sawInvalidPin, sawResponse bool
	for i := 0; i < 8 && !sawResponse; i++ {
		msg := recvOrFail(t, ch, time.Second)
		switch msg.Type {
		case TagUIInvalidPin:
			sawInvalidPin = true
		case TagResponse:
			require.NotNil(t, msg.Success)
			assert.True(t, *msg.Success)
			sawResponse = true
		}
	}

	assert.True(t, sawInvalidPin, "PIN_TRIES reached 2: one UI.INVALID_PIN expected before the final RESPONSE")
	assert.True(t, sawResponse)
	m.AssertExpectations(t)
}

// TestDispatchBusyGateFailsFastWhenDeviceAlreadyLoaded covers the Busy gate
// (spec.md section 4.5): a call landing on a device that is already running
// a loaded session, without asking to override it, fails immediately with
// Device_CallInProgress rather than blocking on the device's internal run
// lock (invariant 3, mutual exclusion).
func TestDispatchBusyGateFailsFastWhenDeviceAlreadyLoaded(t *testing.T) {
	c := newTestController()
	d := NewDevice("p1", Features{})
	list := NewInMemoryDeviceList(TransportUSB)
	list.Add(d)
	c.setDeviceList(list)

	bodyCanReturn := make(chan struct{})
	defer close(bodyCanReturn)
	go func() {
		_, _ = d.Run(DeviceEventHandlers{}, RunOptions{}, func() (interface{}, error) {
			<-bodyCanReturn
			return nil, nil
		})
	}()

	// Give the first session time to mark the device running and loaded
	// before the second call lands on it.
	time.Sleep(20 * time.Millisecond)

	m := &MockMethod{}
	m.OnResponseID(9)
	m.OnRequiredPermissions(NewPermissionSet())
	m.OnUseDevice(true)
	m.OnDevicePath("p1", true)
	m.On("OverridePreviousCall").Return(false)
	m.On("Dispose").Return()

	ch := make(chan CoreMessage, 8)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	done := make(chan struct{})
	go func() {
		c.Dispatch(m, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked instead of failing fast on a busy, loaded device")
	}

	resp := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagResponse, resp.Type)
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
	assert.Equal(t, ErrDeviceCallInProgress, decodeWireError(t, resp).Code)
	m.AssertExpectations(t)
}
