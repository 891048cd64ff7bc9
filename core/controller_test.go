package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPopupClosedMidCallInterruptsWaitingSession covers scenario S5 (spec.md
// section 8): the popup closes while a call is still waiting on it, before
// any device session has started. The dispatcher must fail the call with
// Method_Interrupted, and the Interaction Timeout and UiPromise registry must
// both be clean afterward (invariant 4).
func TestPopupClosedMidCallInterruptsWaitingSession(t *testing.T) {
	c := newTestController()
	list := NewInMemoryDeviceList(TransportUSB)
	list.Add(NewDevice("p1", Features{}))
	c.setDeviceList(list)

	m := &MockMethod{}
	m.OnResponseID(5)
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
	m.On("UseDeviceState").Return(false)
	m.On("KeepSession").Return(false)
	m.On("UseEmptyPassphrase").Return(false)
	m.On("SkipFinalReload").Return(false)
	m.On("Dispose").Return()

	ch := make(chan CoreMessage, 16)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	done := make(chan struct{})
	go func() {
		c.Dispatch(m, true)
		close(done)
	}()

	// Give Dispatch time to reach awaitPopup (section 4.5, SessionOpen) before
	// simulating the popup window closing on its own.
	time.Sleep(20 * time.Millisecond)
	c.onPopupClosed(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch never returned after the popup closed")
	}

	var resp CoreMessage
	for i := 0; i < 8; i++ {
		msg := recvOrFail(t, ch, time.Second)
		if msg.Type == TagResponse {
			resp = msg
			break
		}
	}
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
	assert.Equal(t, ErrMethodInterrupted, decodeWireError(t, resp).Code)

	assert.Nil(t, c.timeout.timer, "invariant 4: Interaction Timeout stopped")
	assert.Equal(t, 0, c.uiPromises.Len(), "invariant 4: UiPromise registry drains")
	assert.Equal(t, 0, c.callRegistry.Len())
	m.AssertExpectations(t)
}

// TestInitTransportRetriesAfterFailure covers scenario S6 (spec.md section
// 8): a failing transport factory is retried roughly every second until it
// succeeds, and TRANSPORT.START is only emitted once it does.
func TestInitTransportRetriesAfterFailure(t *testing.T) {
	attempts := 0
	factory := func(Settings) (DeviceList, error) {
		attempts++
		if attempts < 2 {
			return nil, NewError(ErrTransportMissing)
		}
		return NewInMemoryDeviceList(TransportUSB), nil
	}

	c := New(Settings{TransportReconnect: true}, nil, nil, factory)
	ch := make(chan CoreMessage, 8)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	require.NoError(t, c.InitTransport(c.settings))

	msg := recvOrFail(t, ch, 3*time.Second)
	assert.Equal(t, TagTransportStart, msg.Type)
	assert.GreaterOrEqual(t, attempts, 2)
	assert.NotNil(t, c.currentDeviceList())
}

// TestHandleTransportErrorDisposesListAndReconnects covers the other half of
// S6: once a live DeviceList reports DLTransportError, the Controller
// disposes it, emits TRANSPORT.ERROR, and schedules a fresh InitTransport.
func TestHandleTransportErrorDisposesListAndReconnects(t *testing.T) {
	attempts := 0
	factory := func(Settings) (DeviceList, error) {
		attempts++
		return NewInMemoryDeviceList(TransportUSB), nil
	}

	c := New(Settings{TransportReconnect: true}, nil, nil, factory)
	ch := make(chan CoreMessage, 8)
	defer c.Subscribe(func(msg CoreMessage) { ch <- msg })()

	require.NoError(t, c.InitTransport(c.settings))
	recvOrFail(t, ch, time.Second) // TRANSPORT.START from the first attempt

	c.handleTransportError(NewError(ErrDeviceDisconnected))

	errMsg := recvOrFail(t, ch, time.Second)
	assert.Equal(t, TagTransportError, errMsg.Type)
	assert.Nil(t, c.currentDeviceList(), "the failed list must be disposed and cleared")

	startMsg := recvOrFail(t, ch, 3*time.Second)
	assert.Equal(t, TagTransportStart, startMsg.Type)
	assert.Equal(t, 2, attempts, "reconnect must call the transport factory again")
}
