package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

// DashboardHub fans metric updates out to connected admin dashboards. It
// carries two feeds: presence join/leave notifications from the in-process
// presence handler, and counter updates relayed from the Redis pub/sub
// channel so increments from other processes reach the dashboard too.
type DashboardHub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func NewDashboardHub() *DashboardHub {
	return &DashboardHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced upstream
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// HandleConnection subscribes an admin dashboard. Incoming messages are
// ignored except as liveness signals; the read loop exists to notice the
// close.
func (h *DashboardHub) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Dashboard WebSocket upgrade failed: %v", err)
		return
	}
	defer func() {
		h.unregister <- ws
	}()

	h.register <- ws

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// RunHub owns the client set. Started once from main.
func (h *DashboardHub) RunHub() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			log.Println("Dashboard client registered. Total clients:", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Println("Dashboard client unregistered. Total clients:", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("Error broadcasting to dashboard client: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

// BroadcastUpdate queues an update for all connected dashboards. Dropping
// on a full queue is acceptable: the dashboard re-reads the snapshot
// endpoint and only uses pushes as a refresh hint.
func (h *DashboardHub) BroadcastUpdate(kind string, data interface{}) {
	message := map[string]interface{}{
		"type":      kind,
		"data":      data,
		"timestamp": time.Now().Unix(),
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling broadcast message: %v", err)
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		log.Println("Dashboard broadcast queue full, dropping update")
	}
}

// Relay forwards counter-store pub/sub notifications into the hub until the
// subscription closes.
func (h *DashboardHub) Relay(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		select {
		case h.broadcast <- []byte(msg.Payload):
		default:
			log.Println("Dashboard broadcast queue full, dropping relayed update")
		}
	}
}
