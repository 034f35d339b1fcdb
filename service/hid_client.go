package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hidWriteWait    = 5 * time.Second
	hidKeepAlive    = 25 * time.Second
	moveSendPeriod  = 8333 * time.Microsecond // ~120 Hz
	hidHandshakeTTL = 5 * time.Second
)

// HIDClient is the persistent binary-protocol connection forwarding
// keyboard and mouse input to the appliance's emulated HID device.
//
// All Send* methods are best-effort: when the socket is down they drop
// the frame silently. Forwarding input must never block or crash the
// caller; reconnect policy belongs to the session orchestrator.
type HIDClient struct {
	url    string
	header http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex

	moves *moveCoalescer

	// OnClosed fires once when the receive loop dies while the client
	// was not explicitly disconnected. Persistent transport loss is
	// detected here, not via individual send failures.
	OnClosed func(err error)
}

// NewHIDClient builds a client for the HID socket at
// wss://host:port/api/ws. authHeader is the control-plane session
// cookie ("auth_token=...").
func NewHIDClient(host string, port int, authHeader string) *HIDClient {
	h := http.Header{}
	if authHeader != "" {
		h.Set("Cookie", authHeader)
	}
	c := &HIDClient{
		url:    fmt.Sprintf("wss://%s:%d/api/ws", host, port),
		header: h,
	}
	c.moves = newMoveCoalescer(moveSendPeriod, c.writeMoveFrame)
	return c
}

// Connect opens the socket and starts the receive loop and keep-alive.
func (c *HIDClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: hidHandshakeTTL,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("hid dial %s: %w", c.url, err)
	}

	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(conn, c.done)
	go c.keepAlive(conn, c.done)

	log.Printf("🖱️ HID socket connected: %s", c.url)
	return nil
}

// Disconnect closes the socket and releases resources. Safe to call
// repeatedly and while disconnected.
func (c *HIDClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	close(c.done)
	c.conn.Close()
	c.conn = nil
	c.moves.drop()
	log.Printf("🖱️ HID socket closed")
}

// Connected reports whether the socket is currently open.
func (c *HIDClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// readLoop drains inbound frames. The appliance sends nothing we act
// on here; the loop exists to detect silent drops and pump control
// frames.
func (c *HIDClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case <-done:
				// Explicit disconnect; not a failure.
			default:
				log.Printf("⚠️ HID socket lost: %v", err)
				c.mu.Lock()
				if c.conn == conn {
					close(c.done)
					c.conn.Close()
					c.conn = nil
					c.moves.drop()
				}
				c.mu.Unlock()
				if c.OnClosed != nil {
					c.OnClosed(err)
				}
			}
			return
		}
	}
}

// keepAlive pings the socket on an interval so NAT and proxy timeouts
// cannot silently kill an idle input connection.
func (c *HIDClient) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(hidKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(hidWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// A dropped keep-alive is not session-fatal; the read
				// loop notices real transport loss.
				return
			}
		}
	}
}

// writeFrame sends one binary frame, dropping it when the socket is down.
func (c *HIDClient) writeFrame(frame []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(hidWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		// Best-effort; transport loss surfaces via the read loop.
		return
	}
}

// SendKey forwards one key state change immediately.
func (c *HIDClient) SendKey(key string, pressed bool) {
	c.writeFrame(EncodeKeyEvent(key, pressed))
}

// SendMouseButton forwards one button state change immediately.
func (c *HIDClient) SendMouseButton(button string, pressed bool) {
	c.writeFrame(EncodeMouseButton(button, pressed))
}

// SendMouseMove enqueues an absolute position for the fixed-rate
// sender. The latest pending position overwrites any unsent one.
func (c *HIDClient) SendMouseMove(x, y int16) {
	c.moves.enqueue(x, y)
}

// SendMouseRelative forwards a relative delta immediately, clamped to
// the protocol's signed 8-bit range.
func (c *HIDClient) SendMouseRelative(dx, dy int) {
	c.writeFrame(EncodeMouseRelative(clampDelta(dx), clampDelta(dy)))
}

// SendMouseWheel forwards a wheel delta immediately, clamped to the
// protocol's signed 8-bit range.
func (c *HIDClient) SendMouseWheel(dx, dy int) {
	c.writeFrame(EncodeMouseWheel(clampDelta(dx), clampDelta(dy)))
}

func (c *HIDClient) writeMoveFrame(x, y int16) {
	c.writeFrame(EncodeMouseMove(x, y))
}

// moveCoalescer bounds wire traffic under fast mouse movement:
// "latest position wins", at most one send per tick, no backlog.
// The sender goroutine exits when a tick finds nothing pending and is
// restarted lazily by the next enqueue.
type moveCoalescer struct {
	mu       sync.Mutex
	x, y     int16
	pending  bool
	running  bool
	interval time.Duration
	send     func(x, y int16)
}

func newMoveCoalescer(interval time.Duration, send func(x, y int16)) *moveCoalescer {
	return &moveCoalescer{interval: interval, send: send}
}

func (m *moveCoalescer) enqueue(x, y int16) {
	m.mu.Lock()
	m.x, m.y = x, y
	m.pending = true
	start := !m.running
	if start {
		m.running = true
	}
	m.mu.Unlock()

	if start {
		go m.run()
	}
}

func (m *moveCoalescer) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if !m.pending {
			m.running = false
			m.mu.Unlock()
			return
		}
		x, y := m.x, m.y
		m.pending = false
		m.mu.Unlock()

		m.send(x, y)
	}
}

// drop clears any unsent position so a stale sample cannot fire after
// reconnect. The sender then exits at its next tick.
func (m *moveCoalescer) drop() {
	m.mu.Lock()
	m.pending = false
	m.mu.Unlock()
}
