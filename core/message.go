package core

import "encoding/json"

// EventClass groups the EventTag values exchanged on the CoreMessage envelope:
// the five values of the envelope's event field.
type EventClass string

const (
	ClassCore     EventClass = "CORE_EVENT"
	ClassResponse EventClass = "RESPONSE_EVENT"
	ClassDevice   EventClass = "DEVICE_EVENT"
	ClassTransport EventClass = "TRANSPORT_EVENT"
	ClassUI       EventClass = "UI_EVENT"
)

// EventTag identifies one kind of inbound or outbound CoreMessage. It is a typed
// string so that dispatch switches and test fixtures can't typo a bare string.
type EventTag string

const (
	// Inbound, safe for untrusted origins.
	TagIframeCall                 EventTag = "IFRAME.CALL"
	TagPopupClosed                EventTag = "POPUP.CLOSED"
	TagUICustomMessageResponse    EventTag = "UI.CUSTOM_MESSAGE_RESPONSE"
	TagUILoginChallengeResponse   EventTag = "UI.LOGIN_CHALLENGE_RESPONSE"
	TagTransportDisableWebUSB     EventTag = "TRANSPORT.DISABLE_WEBUSB"

	// Inbound, requires a trusted origin.
	TagPopupHandshake             EventTag = "POPUP.HANDSHAKE"
	TagUIReceiveDevice            EventTag = "UI.RECEIVE_DEVICE"
	TagUIReceivePin               EventTag = "UI.RECEIVE_PIN"
	TagUIReceiveWord              EventTag = "UI.RECEIVE_WORD"
	TagUIReceivePassphrase        EventTag = "UI.RECEIVE_PASSPHRASE"
	TagUIChangeAccount            EventTag = "UI.CHANGE_ACCOUNT"
	TagUIInvalidPassphraseAction  EventTag = "UI.INVALID_PASSPHRASE_ACTION"

	// Outbound.
	TagResponse                   EventTag = "RESPONSE"
	TagPopupCancelRequest         EventTag = "POPUP.CANCEL_POPUP_REQUEST"
	TagUIRequestUIWindow          EventTag = "UI.REQUEST_UI_WINDOW"
	TagUICloseUIWindow            EventTag = "UI.CLOSE_UI_WINDOW"
	TagUISelectDevice             EventTag = "UI.SELECT_DEVICE"
	TagUITransport                EventTag = "UI.TRANSPORT"
	TagUIRequestButton            EventTag = "UI.REQUEST_BUTTON"
	TagUIRequestPin               EventTag = "UI.REQUEST_PIN"
	TagUIInvalidPin               EventTag = "UI.INVALID_PIN"
	TagUIRequestWord              EventTag = "UI.REQUEST_WORD"
	TagUIRequestPassphrase        EventTag = "UI.REQUEST_PASSPHRASE"
	TagUIRequestPassphraseOnDevice EventTag = "UI.REQUEST_PASSPHRASE_ON_DEVICE"
	TagUIInvalidPassphrase        EventTag = "UI.INVALID_PASSPHRASE"
	TagUIDeviceNeedsBackup        EventTag = "UI.DEVICE_NEEDS_BACKUP"
	TagUIFirmwareOutdated         EventTag = "UI.FIRMWARE_OUTDATED"
	TagUIAddressValidation        EventTag = "UI.ADDRESS_VALIDATION"
	TagUIFwException              EventTag = "UI.FW_EXCEPTION"
	TagUIModeException            EventTag = "UI.MODE_EXCEPTION"

	TagDeviceButton       EventTag = "DEVICE.BUTTON"
	TagDevicePin          EventTag = "DEVICE.PIN"
	TagDeviceWord         EventTag = "DEVICE.WORD"
	TagDevicePassphrase   EventTag = "DEVICE.PASSPHRASE"
	TagDeviceDisconnect   EventTag = "DEVICE.DISCONNECT"
	TagDeviceConnect      EventTag = "DEVICE.CONNECT"
	TagDeviceChanged      EventTag = "DEVICE.CHANGED"

	TagTransportStart EventTag = "TRANSPORT.START"
	TagTransportError EventTag = "TRANSPORT.ERROR"
)

// safeUntrustedTags is the set of inbound types accepted from an untrusted origin
// (spec.md section 4.3 / section 6 "Inbound safe-types").
var safeUntrustedTags = map[EventTag]bool{
	TagIframeCall:               true,
	TagPopupClosed:              true,
	TagUICustomMessageResponse:  true,
	TagUILoginChallengeResponse: true,
	TagTransportDisableWebUSB:   true,
}

// IsSafeForUntrustedOrigin reports whether a message of this tag may be accepted
// from an untrusted origin.
func (t EventTag) IsSafeForUntrustedOrigin() bool {
	return safeUntrustedTags[t]
}

// CoreMessage is the tagged envelope exchanged between the caller frame, the
// popup, and the core, as described in spec.md section 3 and section 6.
type CoreMessage struct {
	Event   EventClass      `json:"event"`
	Type    EventTag        `json:"type"`
	ID      *uint32         `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

// ResponsePayload is the conventional payload shape of a RESPONSE CoreMessage.
type ResponsePayload struct {
	Error *WireError  `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// WireError is the structured, JSON-serializable form of an ErrorCode that
// crosses the wire to the caller, as opposed to the Go error used internally.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func newBool(b bool) *bool { return &b }

func newID(id uint32) *uint32 { return &id }

// NewResponse builds a successful RESPONSE CoreMessage for the given call id.
func NewResponse(id uint32, data interface{}) CoreMessage {
	payload, _ := json.Marshal(ResponsePayload{Data: data})
	return CoreMessage{
		Event:   ClassResponse,
		Type:    TagResponse,
		ID:      newID(id),
		Payload: payload,
		Success: newBool(true),
	}
}

// NewFailureResponse builds a failed RESPONSE CoreMessage for the given call id.
func NewFailureResponse(id uint32, err error) CoreMessage {
	payload, _ := json.Marshal(ResponsePayload{Error: toWireError(err)})
	return CoreMessage{
		Event:   ClassResponse,
		Type:    TagResponse,
		ID:      newID(id),
		Payload: payload,
		Success: newBool(false),
	}
}

// NewUIMessage builds an outbound interactive UI_EVENT CoreMessage.
func NewUIMessage(tag EventTag, payload interface{}) CoreMessage {
	return CoreMessage{Event: ClassUI, Type: tag, Payload: marshalOrNil(payload)}
}

// NewDeviceMessage builds an outbound informational DEVICE_EVENT CoreMessage.
func NewDeviceMessage(tag EventTag, payload interface{}) CoreMessage {
	return CoreMessage{Event: ClassDevice, Type: tag, Payload: marshalOrNil(payload)}
}

// NewTransportMessage builds an outbound informational TRANSPORT_EVENT CoreMessage.
func NewTransportMessage(tag EventTag, payload interface{}) CoreMessage {
	return CoreMessage{Event: ClassTransport, Type: tag, Payload: marshalOrNil(payload)}
}

func marshalOrNil(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
