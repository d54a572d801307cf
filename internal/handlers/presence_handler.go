package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"media-usage-tracker/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// PresenceHandler binds presence records to WebSocket connections. The
// handler goroutine is the store-side disconnect hook: the record a
// connection created is deleted when its read loop exits, whether the
// client closed cleanly, crashed, or the network dropped.
type PresenceHandler struct {
	upgrader websocket.Upgrader
	presence *services.PresenceService
	auth     *services.AuthService
	hub      *DashboardHub
}

func NewPresenceHandler(presence *services.PresenceService, auth *services.AuthService, hub *DashboardHub) *PresenceHandler {
	return &PresenceHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced upstream
			},
		},
		presence: presence,
		auth:     auth,
		hub:      hub,
	}
}

// HandleConnection upgrades the request and walks the session through
// Connecting -> Online. A `token` query parameter names the principal
// (anonymous otherwise); `prev` names a record left over from a previous
// connection of the same client, which is removed before the new record is
// created.
// @Summary Open a presence connection
// @Description WebSocket endpoint; the presence record lives exactly as long as the connection
// @Tags presence
// @Param token query string false "Principal token"
// @Param prev query string false "Connection key from a previous session"
// @Router /ws/presence [get]
func (h *PresenceHandler) HandleConnection(c *gin.Context) {
	principalID := services.AnonymousPrincipal()
	if token := c.Query("token"); token != "" {
		claims, err := h.auth.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		principalID = claims.PrincipalID
	}
	clientInfo := c.GetHeader("User-Agent")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	session := &wsSession{conn: ws}
	ctx := c.Request.Context()

	// Idempotent cleanup of the record a prior session of this client may
	// have left behind (reconnect after transient network loss).
	if prev := c.Query("prev"); prev != "" {
		if err := h.presence.Disconnect(ctx, prev); err != nil {
			log.Printf("Failed to clean up previous presence record: %v", err)
		}
	}

	connectionKey, err := h.presence.Connect(ctx, principalID, clientInfo)
	if err != nil {
		log.Printf("Failed to create presence record: %v", err)
		return
	}

	// The disconnect hook. connectionKey is re-read at defer time so an
	// identity switch mid-session moves the hook to the replacement record.
	defer func() {
		if err := h.presence.Disconnect(context.Background(), connectionKey); err != nil {
			log.Printf("Failed to remove presence record %s: %v", connectionKey, err)
		}
		h.notifyLive()
	}()

	session.writeJSON(map[string]interface{}{
		"type":           "connected",
		"connection_key": connectionKey,
		"principal_id":   principalID,
		"timestamp":      time.Now().Unix(),
	})
	h.notifyLive()

	done := make(chan struct{})
	defer close(done)
	go session.keepAlive(done)

	for {
		var msg map[string]interface{}
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		switch msg["type"] {
		case "identify":
			// Anonymous -> authenticated switch: replace the record, keep
			// the connection.
			token, _ := msg["token"].(string)
			claims, err := h.auth.ValidateToken(token)
			if err != nil {
				session.writeJSON(map[string]interface{}{
					"type":      "error",
					"message":   "Invalid token",
					"timestamp": time.Now().Unix(),
				})
				continue
			}

			newKey, err := h.presence.Switch(ctx, connectionKey, claims.PrincipalID, clientInfo)
			if err != nil {
				log.Printf("Failed to switch presence identity: %v", err)
				session.writeJSON(map[string]interface{}{
					"type":      "error",
					"message":   "Identity switch failed",
					"timestamp": time.Now().Unix(),
				})
				continue
			}

			connectionKey = newKey
			principalID = claims.PrincipalID
			session.writeJSON(map[string]interface{}{
				"type":           "identified",
				"connection_key": newKey,
				"principal_id":   principalID,
				"timestamp":      time.Now().Unix(),
			})

		case "ping":
			session.writeJSON(map[string]interface{}{
				"type": "pong",
				"time": time.Now().Unix(),
			})

		default:
			session.writeJSON(map[string]interface{}{
				"type":      "error",
				"message":   "Unknown message type",
				"timestamp": time.Now().Unix(),
			})
		}
	}
}

func (h *PresenceHandler) notifyLive() {
	if h.hub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	live, err := h.presence.LiveUsers(ctx)
	if err != nil {
		log.Printf("Failed to count live users: %v", err)
		return
	}
	h.hub.BroadcastUpdate("live_users", map[string]interface{}{"live_users": live})
}

// wsSession serializes writes; the keepalive pinger and the read loop's
// responses share one connection.
type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) writeJSON(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		log.Printf("WebSocket write failed: %v", err)
	}
}

func (s *wsSession) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
