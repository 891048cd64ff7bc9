package core

import (
	"github.com/stretchr/testify/mock"
)

// MockDevice is a stretchr/testify mocked Device, grounded on the teacher's
// mock style (service/mocks.go, clock/clocktest/mocks.go): embed mock.Mock,
// forward every interface method to m.Called, and supply OnX convenience
// wrappers for the calls tests actually need to stub.
type MockDevice struct {
	mock.Mock
}

var _ Device = (*MockDevice)(nil)

func (m *MockDevice) Path() DevicePath { return m.Called().Get(0).(DevicePath) }
func (m *MockDevice) OnPath(path DevicePath) *mock.Call { return m.On("Path").Return(path) }

func (m *MockDevice) IsRunning() bool { return m.Called().Bool(0) }
func (m *MockDevice) OnIsRunning(v bool) *mock.Call { return m.On("IsRunning").Return(v) }

func (m *MockDevice) IsLoaded() bool { return m.Called().Bool(0) }
func (m *MockDevice) OnIsLoaded(v bool) *mock.Call { return m.On("IsLoaded").Return(v) }

func (m *MockDevice) IsUsedHere() bool { return m.Called().Bool(0) }
func (m *MockDevice) OnIsUsedHere(v bool) *mock.Call { return m.On("IsUsedHere").Return(v) }

func (m *MockDevice) Features() Features { return m.Called().Get(0).(Features) }
func (m *MockDevice) OnFeatures(f Features) *mock.Call { return m.On("Features").Return(f) }

func (m *MockDevice) FirmwareStatus() FirmwareStatus { return m.Called().Get(0).(FirmwareStatus) }
func (m *MockDevice) OnFirmwareStatus(s FirmwareStatus) *mock.Call {
	return m.On("FirmwareStatus").Return(s)
}

func (m *MockDevice) SetKeepSession(v bool) { m.Called(v) }
func (m *MockDevice) KeepSession() bool     { return m.Called().Bool(0) }
func (m *MockDevice) OnKeepSession(v bool) *mock.Call { return m.On("KeepSession").Return(v) }

func (m *MockDevice) WaitForFirstRun(stop <-chan struct{}) { m.Called(stop) }

func (m *MockDevice) SetInstance(instance uint32)   { m.Called(instance) }
func (m *MockDevice) SetExternalState(state []byte) { m.Called(state) }
func (m *MockDevice) SetInternalState(state []byte) { m.Called(state) }

func (m *MockDevice) ValidateState(network interface{}) []byte {
	args := m.Called(network)
	state, _ := args.Get(0).([]byte)
	return state
}

func (m *MockDevice) HasUnexpectedMode(allow, require []DeviceMode) *ModeException {
	args := m.Called(allow, require)
	ex, _ := args.Get(0).(*ModeException)
	return ex
}

func (m *MockDevice) Initialize(useEmptyPassphrase bool) error {
	return m.Called(useEmptyPassphrase).Error(0)
}

func (m *MockDevice) Version() (int, int, int) {
	args := m.Called()
	return args.Int(0), args.Int(1), args.Int(2)
}

func (m *MockDevice) Override(err error) { m.Called(err) }

func (m *MockDevice) Run(handlers DeviceEventHandlers, opts RunOptions, body func() (interface{}, error)) (interface{}, error) {
	args := m.Called(handlers, opts, body)
	return args.Get(0), args.Error(1)
}

func (m *MockDevice) Cleanup()                         { m.Called() }
func (m *MockDevice) InterruptionFromUser(err error)   { m.Called(err) }
func (m *MockDevice) ToMessageObject() interface{}     { return m.Called().Get(0) }

// MockMethod is a stretchr/testify mocked Method.
type MockMethod struct {
	mock.Mock
}

var _ Method = (*MockMethod)(nil)

func (m *MockMethod) Name() string { return m.Called().String(0) }

func (m *MockMethod) ResponseID() uint32 { return m.Called().Get(0).(uint32) }
func (m *MockMethod) OnResponseID(id uint32) *mock.Call { return m.On("ResponseID").Return(id) }

func (m *MockMethod) DevicePath() (DevicePath, bool) {
	args := m.Called()
	return args.Get(0).(DevicePath), args.Bool(1)
}
func (m *MockMethod) OnDevicePath(path DevicePath, ok bool) *mock.Call {
	return m.On("DevicePath").Return(path, ok)
}

func (m *MockMethod) DeviceInstance() uint32 { return m.Called().Get(0).(uint32) }

func (m *MockMethod) DeviceState() ([]byte, bool) {
	args := m.Called()
	state, _ := args.Get(0).([]byte)
	return state, args.Bool(1)
}

func (m *MockMethod) Network() interface{} { return m.Called().Get(0) }

func (m *MockMethod) RequiredPermissions() PermissionSet {
	return m.Called().Get(0).(PermissionSet)
}
func (m *MockMethod) OnRequiredPermissions(s PermissionSet) *mock.Call {
	return m.On("RequiredPermissions").Return(s)
}

func (m *MockMethod) AllowDeviceMode() []DeviceMode {
	modes, _ := m.Called().Get(0).([]DeviceMode)
	return modes
}

func (m *MockMethod) RequireDeviceMode() []DeviceMode {
	modes, _ := m.Called().Get(0).([]DeviceMode)
	return modes
}

func (m *MockMethod) UseDevice() bool { return m.Called().Bool(0) }
func (m *MockMethod) OnUseDevice(v bool) *mock.Call { return m.On("UseDevice").Return(v) }

func (m *MockMethod) UseUI() bool              { return m.Called().Bool(0) }
func (m *MockMethod) UseEmptyPassphrase() bool { return m.Called().Bool(0) }
func (m *MockMethod) UseDeviceState() bool     { return m.Called().Bool(0) }
func (m *MockMethod) KeepSession() bool        { return m.Called().Bool(0) }
func (m *MockMethod) SkipFinalReload() bool    { return m.Called().Bool(0) }
func (m *MockMethod) OverridePreviousCall() bool { return m.Called().Bool(0) }
func (m *MockMethod) DebugLink() bool          { return m.Called().Bool(0) }
func (m *MockMethod) HasExpectedDeviceState() bool { return m.Called().Bool(0) }

func (m *MockMethod) CheckFirmwareRange(usingPopup bool) *FirmwareException {
	args := m.Called(usingPopup)
	ex, _ := args.Get(0).(*FirmwareException)
	return ex
}
func (m *MockMethod) OnCheckFirmwareRange(ex *FirmwareException) *mock.Call {
	return m.On("CheckFirmwareRange", mock.Anything).Return(ex)
}

func (m *MockMethod) CheckPermissions() error { return m.Called().Error(0) }
func (m *MockMethod) RequestPermissions() bool { return m.Called().Bool(0) }

func (m *MockMethod) Confirmation() (bool, bool) {
	args := m.Called()
	return args.Bool(0), args.Bool(1)
}
func (m *MockMethod) OnConfirmation(ok, defined bool) *mock.Call {
	return m.On("Confirmation").Return(ok, defined)
}

func (m *MockMethod) NoBackupConfirmation() (bool, bool) {
	args := m.Called()
	return args.Bool(0), args.Bool(1)
}

func (m *MockMethod) GetButtonRequestData(code string) (interface{}, bool) {
	args := m.Called(code)
	return args.Get(0), args.Bool(1)
}

func (m *MockMethod) GetCustomMessages() (interface{}, bool) {
	args := m.Called()
	return args.Get(0), args.Bool(1)
}

func (m *MockMethod) Run(ctx MethodContext) (interface{}, error) {
	args := m.Called(ctx)
	return args.Get(0), args.Error(1)
}
func (m *MockMethod) OnRun(result interface{}, err error) *mock.Call {
	return m.On("Run", mock.Anything).Return(result, err)
}

func (m *MockMethod) Dispose() { m.Called() }

func (m *MockMethod) Overridden() bool      { return m.Called().Bool(0) }
func (m *MockMethod) SetOverridden(v bool)  { m.Called(v) }

// MockDeviceList is a stretchr/testify mocked DeviceList.
type MockDeviceList struct {
	mock.Mock
}

var _ DeviceList = (*MockDeviceList)(nil)

func (m *MockDeviceList) Kind() TransportKind { return m.Called().Get(0).(TransportKind) }
func (m *MockDeviceList) OnKind(k TransportKind) *mock.Call { return m.On("Kind").Return(k) }

func (m *MockDeviceList) Devices() []Device {
	devices, _ := m.Called().Get(0).([]Device)
	return devices
}
func (m *MockDeviceList) OnDevices(devices []Device) *mock.Call {
	return m.On("Devices").Return(devices)
}

func (m *MockDeviceList) Get(path DevicePath) (Device, bool) {
	args := m.Called(path)
	d, _ := args.Get(0).(Device)
	return d, args.Bool(1)
}
func (m *MockDeviceList) OnGet(path DevicePath, d Device, ok bool) *mock.Call {
	return m.On("Get", path).Return(d, ok)
}

func (m *MockDeviceList) Subscribe(l DeviceListListener) func() {
	args := m.Called(l)
	fn, _ := args.Get(0).(func())
	return fn
}

func (m *MockDeviceList) LoadCustomMessages(custom interface{}, force bool) error {
	return m.Called(custom, force).Error(0)
}

func (m *MockDeviceList) Enumerate() { m.Called() }
func (m *MockDeviceList) Dispose()   { m.Called() }
