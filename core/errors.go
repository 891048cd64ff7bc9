package core

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable, string-stable error taxonomy of spec.md
// section 6. Values are compared by exact content where the spec requires it
// (e.g. the PIN-retry and session-recovery string matches in section 7).
type ErrorCode string

const (
	ErrTransportMissing          ErrorCode = "Transport_Missing"
	ErrDeviceNotFound            ErrorCode = "Device_NotFound"
	ErrDeviceCallInProgress      ErrorCode = "Device_CallInProgress"
	ErrDeviceDisconnected        ErrorCode = "Device_Disconnected"
	ErrDeviceInvalidState        ErrorCode = "Device_InvalidState"
	ErrDeviceFwException         ErrorCode = "Device_FwException"
	ErrDeviceModeException       ErrorCode = "Device_ModeException"
	ErrMethodInvalidParameter    ErrorCode = "Method_InvalidParameter"
	ErrMethodNotAllowed          ErrorCode = "Method_NotAllowed"
	ErrMethodOverride            ErrorCode = "Method_Override"
	ErrMethodCancel              ErrorCode = "Method_Cancel"
	ErrMethodInterrupted         ErrorCode = "Method_Interrupted"
	ErrMethodPermissionsNotGranted ErrorCode = "Method_PermissionsNotGranted"
)

// InvalidPinErrorMessage and WrongPreviousSessionErrorMessage are matched by
// exact string content against errors surfaced by the device layer, per
// spec.md section 7. Underlying layers must preserve these strings verbatim.
const (
	InvalidPinErrorMessage           = "PIN_INVALID"
	WrongPreviousSessionErrorMessage = "wrong previous session"
)

// CoreError is a Go error carrying a machine-readable ErrorCode, so call sites
// can both errors.Is against the sentinel family and surface a WireError over
// the wire without re-parsing a message string.
type CoreError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *CoreError) Unwrap() error { return e.Wrapped }

// NewError constructs a CoreError for the given code with a default message.
func NewError(code ErrorCode) *CoreError {
	return &CoreError{Code: code, Message: string(code)}
}

// NewErrorf constructs a CoreError for the given code with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an existing error, preserving it for errors.Is/As.
func WrapError(code ErrorCode, wrapped error) *CoreError {
	msg := ""
	if wrapped != nil {
		msg = wrapped.Error()
	}
	return &CoreError{Code: code, Message: msg, Wrapped: wrapped}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *CoreError.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}

// IsCode reports whether err carries the given ErrorCode.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if code, ok := CodeOf(err); ok {
		return &WireError{Code: code, Message: err.Error()}
	}
	return &WireError{Code: "Method_Cancel", Message: err.Error()}
}

// Sentinel errors kept for callers that want to errors.Is against a stable
// value rather than constructing a CoreError by hand, mirroring the teacher's
// device/errors.go package-level var list.
var (
	ErrNoDeviceList      = NewError(ErrTransportMissing)
	ErrNoPreferredDevice = errors.New("no preferred device is set")
	ErrPopupAlreadyOpen  = errors.New("popup promise is already open")
)
