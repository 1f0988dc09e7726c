package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// TokenValidator authenticates the bearer token presented at connect time.
type TokenValidator interface {
	ValidateToken(r *http.Request, token string) error
}

// Handler upgrades HTTP requests to WebSocket connections and bridges them
// into the hub: it answers subscribe/unsubscribe/ping envelopes and lets the
// hub push events back.
type Handler struct {
	hub      *Hub
	validate TokenValidator
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(hub *Hub, validate TokenValidator) *Handler {
	return &Handler{
		hub:      hub,
		validate: validate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if err := h.validate.ValidateToken(r, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := NewConn(raw)
	if err := conn.WriteJSON(NewEnvelope(TypeConnectionEstablished, nil)); err != nil {
		conn.Close()
		return
	}

	go h.readLoop(raw, conn)
}

// readLoop services one connection's inbound envelopes until it drops, then
// detaches it from every subscription.
func (h *Handler) readLoop(raw *websocket.Conn, conn Conn) {
	defer func() {
		h.hub.DropConn(conn)
		conn.Close()
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			conn.WriteJSON(NewEnvelope(TypeError, ErrorData{Message: "malformed envelope"}))
			continue
		}

		switch env.Type {
		case TypeSubscribe:
			var req SubscribeData
			if err := json.Unmarshal(env.Data, &req); err != nil || req.InspectionID == "" {
				conn.WriteJSON(NewEnvelope(TypeError, ErrorData{Message: "subscribe requires inspectionId"}))
				continue
			}
			count := h.hub.Subscribe(req.InspectionID, conn)
			conn.WriteJSON(NewEnvelope(TypeSubscriptionConfirmed, SubscribeData{
				InspectionID:    req.InspectionID,
				SubscriberCount: count,
			}))

		case TypeUnsubscribe:
			var req SubscribeData
			if err := json.Unmarshal(env.Data, &req); err != nil || req.InspectionID == "" {
				continue
			}
			h.hub.Unsubscribe(req.InspectionID, conn)

		case TypePing:
			conn.WriteJSON(NewEnvelope(TypePong, nil))

		default:
			conn.WriteJSON(NewEnvelope(TypeError, ErrorData{Message: "unsupported message type " + env.Type}))
		}
	}
}

// bearerToken pulls the token from the Authorization header, or from the
// token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
