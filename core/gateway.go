package core

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscriber receives every outbound CoreMessage, in submission order (spec.md
// section 5, "Ordering guarantees" (a)).
type Subscriber func(CoreMessage)

// Gateway is the Message Gateway (C3): it validates origin trust, routes
// inbound messages to the right internal handler, and fans outbound messages
// to subscribers. Grounded on device/handlers.go's message-type dispatch and
// manager.dispatch's listener fan-out (device/manager.go).
type Gateway struct {
	logger *zap.Logger

	subMu       sync.Mutex
	subscribers []Subscriber

	onIframeCall     func(trusted bool, id uint32, payload json.RawMessage)
	onPopupHandshake func()
	onPopupClosed    func(payload json.RawMessage)
	onDisableWebUSB  func()
	onUIResponse     func(tag EventTag, payload json.RawMessage)
}

func newGateway(logger *zap.Logger) *Gateway {
	return &Gateway{logger: logger}
}

// Subscribe registers a subscriber for outbound messages. Returns an
// unsubscribe function.
func (g *Gateway) Subscribe(sub Subscriber) func() {
	g.subMu.Lock()
	g.subscribers = append(g.subscribers, sub)
	idx := len(g.subscribers) - 1
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		if idx < len(g.subscribers) {
			g.subscribers[idx] = nil
		}
	}
}

// Emit fans out msg to every subscriber, in submission order.
func (g *Gateway) Emit(msg CoreMessage) {
	g.subMu.Lock()
	subs := make([]Subscriber, len(g.subscribers))
	copy(subs, g.subscribers)
	g.subMu.Unlock()

	for _, s := range subs {
		if s != nil {
			s(msg)
		}
	}
}

// uiResponseTags is the set of inbound tags routed to onUIResponse: every
// UI.RECEIVE_* kind, plus the two response tags spec.md section 4.3 names
// explicitly (UI.CUSTOM_MESSAGE_RESPONSE, UI.LOGIN_CHALLENGE_RESPONSE) and the
// two action tags (UI.CHANGE_ACCOUNT, UI.INVALID_PASSPHRASE_ACTION).
var uiResponseTags = map[EventTag]bool{
	TagUIReceiveDevice:           true,
	TagUIReceivePin:              true,
	TagUIReceiveWord:             true,
	TagUIReceivePassphrase:       true,
	TagUIChangeAccount:           true,
	TagUIInvalidPassphraseAction: true,
	TagUICustomMessageResponse:   true,
	TagUILoginChallengeResponse:  true,
}

// HandleMessage implements spec.md section 4.3's dispatch table. trusted
// indicates whether msg arrived from a trusted origin (the embedding page that
// owns the popup), as opposed to the untrusted caller iframe.
func (g *Gateway) HandleMessage(msg CoreMessage, trusted bool) {
	if !trusted && !msg.Type.IsSafeForUntrustedOrigin() {
		g.logger.Debug("dropping message from untrusted origin", zap.String("type", string(msg.Type)))
		return
	}

	switch {
	case msg.Type == TagPopupHandshake:
		if g.onPopupHandshake != nil {
			g.onPopupHandshake()
		}
	case msg.Type == TagPopupClosed:
		if g.onPopupClosed != nil {
			g.onPopupClosed(msg.Payload)
		}
	case msg.Type == TagTransportDisableWebUSB:
		if g.onDisableWebUSB != nil {
			g.onDisableWebUSB()
		}
	case uiResponseTags[msg.Type]:
		if g.onUIResponse != nil {
			g.onUIResponse(msg.Type, msg.Payload)
		}
	case msg.Type == TagIframeCall:
		if g.onIframeCall == nil {
			return
		}
		var id uint32
		if msg.ID != nil {
			id = *msg.ID
		}
		// Errors from the call dispatcher are logged, never rethrown (spec.md
		// section 4.3, "its own errors are logged, never rethrown").
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("panic handling IFRAME.CALL", zap.Any("recover", r))
				}
			}()
			g.onIframeCall(trusted, id, msg.Payload)
		}()
	default:
		g.logger.Debug("no handler for inbound message type", zap.String("type", string(msg.Type)))
	}
}
