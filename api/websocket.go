package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kvmcontrol/models"
	"kvmcontrol/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // UI is served from the same process
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024, // H.264 keyframes
}

// outbound is one queued hub message. Video NALs go out as binary
// frames, events as JSON text.
type outbound struct {
	data   []byte
	binary bool
}

type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan outbound
}

// WebSocketHub fans session events and video frames out to every
// attached UI client and feeds their input events into the session.
// It is the service layer's EventPublisher.
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	session *service.SessionService
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetSession wires the session after construction; the hub and the
// session reference each other, so one side attaches late.
func (h *WebSocketHub) SetSession(s *service.SessionService) {
	h.session = s
}

func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("🖥️ UI client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("🖥️ UI client disconnected (total: %d)", count)
		}
	}
}

// PublishEvent broadcasts one session event as JSON text.
func (h *WebSocketHub) PublishEvent(ev models.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}
	h.broadcast(outbound{data: data})
}

// PublishFrame broadcasts one H.264 NAL unit as a binary frame.
func (h *WebSocketHub) PublishFrame(nal []byte) {
	// The NAL buffer is reused upstream; clients hold their copy.
	frame := make([]byte, len(nal))
	copy(frame, nal)
	h.broadcast(outbound{data: frame, binary: true})
}

func (h *WebSocketHub) broadcast(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Channel full: drop the oldest queued message so a slow
			// viewer lags instead of stalling the stream.
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- msg:
			default:
				log.Printf("⚠️ UI client channel full, dropping frame")
			}
		}
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan outbound, 64),
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()

	client.sendAttachState()
}

// sendAttachState catches a newly attached viewer up: current session
// state and, when streaming, the cached headers and last keyframe so
// decoding starts without waiting for the next IDR.
func (c *Client) sendAttachState() {
	if c.hub.session == nil {
		return
	}

	state, deviceID := c.hub.session.State()
	if data, err := json.Marshal(models.SessionEvent{
		Type: "session_state", State: state, DeviceID: deviceID,
	}); err == nil {
		c.enqueue(outbound{data: data})
	}

	sps, pps, idr := c.hub.session.CachedVideoHeaders()
	for _, nal := range [][]byte{sps, pps, idr} {
		if nal != nil {
			c.enqueue(outbound{data: nal, binary: true})
		}
	}
}

func (c *Client) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
	}
}

// readPump consumes UI input events and routes them into the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var ev models.InputEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Printf("⚠️ Undecodable input event: %v", err)
			continue
		}
		if c.hub.session != nil {
			c.hub.session.HandleInput(ev)
		}
	}
}

// writePump drains the send queue and keeps the socket alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if msg.binary {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
