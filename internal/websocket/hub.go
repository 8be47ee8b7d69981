// Package websocket fans evaluation results, state transitions and alarm
// lifecycle events out to connected dashboard clients.
package websocket

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect from the plant network; origin enforcement
		// belongs to the reverse proxy in front of the service.
		return true
	},
}

// Client is one connected dashboard session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	snapshot   func() interface{}
}

// Message is the wire envelope. Every event carries its own timestamp so
// clients can order events regardless of delivery jitter.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewHub creates a hub. snapshot provides the current system view sent to
// newly connected clients; it may be nil.
func NewHub(snapshot func() interface{}) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshot:   snapshot,
	}
}

// SetSnapshot replaces the snapshot provider.
func (h *Hub) SetSnapshot(snapshot func() interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = snapshot
}

// Run is the hub's main loop; call it once in its own goroutine.
func (h *Hub) Run() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			snapshot := h.snapshot
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

			if snapshot != nil {
				if data, err := json.Marshal(newMessage("snapshot", snapshot())); err == nil {
					select {
					case client.send <- data:
					default:
						log.Warn().Str("client", client.id).Msg("Client send buffer full, skipping snapshot")
					}
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, drop it.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
				}
			}

		case <-pingTicker.C:
			h.broadcastMessage(newMessage("ping", map[string]int64{"timestamp": time.Now().Unix()}))
		}
	}
}

// HandleWebSocket upgrades an HTTP request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   fmt.Sprintf("client-%d", time.Now().UnixNano()),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// BroadcastEvaluation sends one machine's evaluation result.
func (h *Hub) BroadcastEvaluation(result interface{}) {
	h.broadcastMessage(newMessage("evaluation", result))
}

// BroadcastStateChange sends a machine state transition.
func (h *Hub) BroadcastStateChange(transition interface{}) {
	h.broadcastMessage(newMessage("stateChange", transition))
}

// BroadcastAlarm sends a newly created alarm.
func (h *Hub) BroadcastAlarm(alarm interface{}) {
	h.broadcastMessage(newMessage("alarm", alarm))
}

// BroadcastAlarmResolved announces that alarms on a machine were resolved.
func (h *Hub) BroadcastAlarmResolved(machineID string, count int) {
	h.broadcastMessage(newMessage("alarmResolved", map[string]interface{}{
		"machineId": machineID,
		"count":     count,
	}))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
}

func (h *Hub) broadcastMessage(msg Message) {
	msg.Data = sanitizeData(msg.Data)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full, dropping message")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			if data, err := json.Marshal(newMessage("pong", nil)); err == nil {
				c.send <- data
			}
		case "requestSnapshot":
			c.hub.mu.RLock()
			snapshot := c.hub.snapshot
			c.hub.mu.RUnlock()
			if snapshot != nil {
				if data, err := json.Marshal(newMessage("snapshot", sanitizeData(snapshot()))); err == nil {
					c.send <- data
				}
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever queued up behind the first message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sanitizeData round-trips through JSON and nils out NaN and Inf values,
// which the JSON encoder would otherwise reject.
func sanitizeData(data interface{}) interface{} {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var jsonData interface{}
	if err := json.Unmarshal(jsonBytes, &jsonData); err != nil {
		return data
	}
	return sanitizeValue(jsonData)
}

func sanitizeValue(data interface{}) interface{} {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case map[string]interface{}:
		sanitized := make(map[string]interface{}, len(v))
		for k, val := range v {
			sanitized[k] = sanitizeValue(val)
		}
		return sanitized
	case []interface{}:
		sanitized := make([]interface{}, len(v))
		for i, val := range v {
			sanitized[i] = sanitizeValue(val)
		}
		return sanitized
	default:
		return v
	}
}
