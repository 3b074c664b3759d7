package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

const maxFrameSize = 64 * 1024

// Dispatcher receives connection lifecycle and inbound events. The hub
// implements it.
type Dispatcher interface {
	RegisterConnection(conn interfaces.Connection) error
	UnregisterConnection(conn interfaces.Connection) error
	HandleEvent(conn interfaces.Connection, event *types.Event) error
}

// Options tune the heartbeat and per-connection buffers.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultOptions mirror the websocket section of the default configuration.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: DefaultWriteTimeout,
		BufferSize:   DefaultBufferSize,
	}
}

// Handler upgrades authenticated requests and pumps frames into the hub.
type Handler struct {
	auth     interfaces.Authenticator
	hub      Dispatcher
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(auth interfaces.Authenticator, hub Dispatcher, opts Options) *Handler {
	return &Handler{
		auth: auth,
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket authenticates the bearer token, upgrades the request and
// serves the connection until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	principal, err := h.auth.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, h.opts.BufferSize, h.opts.WriteTimeout)
	if err := conn.SetCredentials(principal); err != nil {
		log.Warnf("rejecting websocket without identity: %v", err)
		_ = conn.Close()
		return
	}
	if err := h.hub.RegisterConnection(conn); err != nil {
		log.Errorf("failed to register connection user=%s: %v", principal.Email, err)
		_ = conn.Close()
		return
	}

	go h.serve(conn)
}

// serve runs the heartbeat and the read pump of one connection.
func (h *Handler) serve(conn *Connection) {
	defer func() {
		if err := h.hub.UnregisterConnection(conn); err != nil {
			log.Warnf("failed to unregister connection id=%s: %v", conn.GetID(), err)
		}
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(maxFrameSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("websocket read error id=%s: %v", conn.GetID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil || event.Name == "" {
			_ = conn.Send(types.OutboundEvent{Name: types.EventMessage, Data: types.ErrorPayload{
				Reason:  "invalid_json",
				Message: ErrInvalidJSON.Error(),
			}})
			continue
		}
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		event.Timestamp = time.Now()

		if err := h.hub.HandleEvent(conn, &event); err != nil {
			log.Warnf("event dropped id=%s event=%s: %v", conn.GetID(), event.Name, err)
		}
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// tokenFromRequest reads the bearer token from the Authorization header or
// the token query parameter, which browsers need for websocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
