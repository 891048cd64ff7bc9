package core

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"go.uber.org/zap"
)

// HTTPGateway exposes the Message Gateway over HTTP/WS: one endpoint the
// untrusted caller page polls or streams from, one the trusted popup
// connects to. Grounded on device/manager.go's Connect (websocket upgrade,
// then a per-connection read/write pump) and the corpus-wide
// alice.New(...).Then(...) middleware-chaining idiom.
type HTTPGateway struct {
	controller *Controller
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHTTPGateway wires an HTTPGateway around an already-constructed
// Controller.
func NewHTTPGateway(controller *Controller, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		controller: controller,
		logger:     logger,
		upgrader:   websocket.Upgrader{},
	}
}

// Router builds the mux.Router exposing the caller-iframe endpoint
// (untrusted) and the popup endpoint (trusted), each upgraded to a
// websocket duplex stream of CoreMessage frames.
func (g *HTTPGateway) Router() *mux.Router {
	r := mux.NewRouter()

	untrusted := alice.New(loggingMiddleware(g.logger)).Then(http.HandlerFunc(g.serveIframe))
	trusted := alice.New(loggingMiddleware(g.logger), requireTrustedHostMiddleware(g.controller)).Then(http.HandlerFunc(g.servePopup))

	r.Handle("/connect", untrusted).Methods(http.MethodGet)
	r.Handle("/popup", trusted).Methods(http.MethodGet)
	return r
}

func loggingMiddleware(logger *zap.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("http request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			next.ServeHTTP(w, r)
		})
	}
}

// requireTrustedHostMiddleware enforces spec.md section 6's trustedHost
// setting: when set, only the popup route configured against it may claim
// trusted-origin status.
func requireTrustedHostMiddleware(c *Controller) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c.settings.TrustedHost && r.Header.Get("Origin") == "" {
				http.Error(w, "origin required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *HTTPGateway) serveIframe(w http.ResponseWriter, r *http.Request) {
	g.servePump(w, r, false)
}

func (g *HTTPGateway) servePopup(w http.ResponseWriter, r *http.Request) {
	g.servePump(w, r, true)
}

// servePump upgrades the connection and pumps CoreMessage frames in both
// directions until the socket closes, grounded on device/manager.go's
// Connect+readPump/writePump pairing.
func (g *HTTPGateway) servePump(w http.ResponseWriter, r *http.Request, trusted bool) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err), zap.Bool("trusted", trusted))
		return
	}
	defer conn.Close()

	unsubscribe := g.controller.Subscribe(func(msg CoreMessage) {
		if err := conn.WriteJSON(msg); err != nil {
			g.logger.Debug("write to closed socket", zap.Error(err))
		}
	})
	defer unsubscribe()

	for {
		var msg CoreMessage
		if err := conn.ReadJSON(&msg); err != nil {
			g.logger.Debug("socket read ended", zap.Error(err), zap.Bool("trusted", trusted))
			return
		}
		g.controller.HandleMessage(msg, trusted)
	}
}
