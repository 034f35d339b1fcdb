package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"kvmcontrol/kvm"
)

const (
	janusPlugin       = "janus.plugin.ustreamer"
	janusSubprotocol  = "janus-protocol"
	janusKeepAlive    = 25 * time.Second
	signalCallTimeout = 10 * time.Second
	signalDialTimeout = 5 * time.Second
)

// SignalState is the signaling session's lifecycle position.
type SignalState string

const (
	SignalIdle            SignalState = "idle"
	SignalSessionCreating SignalState = "session_creating"
	SignalHandleAttaching SignalState = "handle_attaching"
	SignalWatching        SignalState = "watching"
	SignalNegotiating     SignalState = "negotiating"
	SignalStreaming       SignalState = "streaming"
	SignalDisconnected    SignalState = "disconnected"
	SignalFailed          SignalState = "failed"
)

// janusMessage is the gateway's JSON envelope, outbound and inbound.
type janusMessage struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	Body        map[string]interface{}     `json:"body,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidate   json.RawMessage            `json:"candidate,omitempty"`
	Data        *janusRef                  `json:"data,omitempty"`
	Error       *janusError                `json:"error,omitempty"`
	Sender      uint64                     `json:"sender,omitempty"`
}

type janusRef struct {
	ID uint64 `json:"id"`
}

type janusError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// janusCandidate is a trickled ICE candidate payload. A
// completed:true payload is an end-of-candidates marker, not a real
// candidate.
type janusCandidate struct {
	Completed     bool    `json:"completed,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingClient negotiates a video stream with the appliance's media
// gateway over a WebSocket RPC session: create session, attach plugin
// handle, watch, SDP answer, trickle ICE, keepalive.
//
// Every outbound RPC except trickle/keepalive registers a single-fire
// waiter keyed by a fresh transaction id. Inbound messages resolve a
// matching waiter exactly once; unmatched messages are dispatched by
// their janus type. This decouples request/response pairs from the one
// shared receive loop, where responses and events interleave freely.
type SignalingClient struct {
	url    string
	header http.Header

	mu        sync.Mutex
	conn      *websocket.Conn
	sendJSON  func(janusMessage) error
	pending   map[string]chan janusMessage
	sessionID uint64
	handleID  uint64
	state     SignalState
	done      chan struct{}
	media     *MediaSession

	writeMu sync.Mutex

	// OnClosed fires once when the signaling socket dies without an
	// explicit Close.
	OnClosed func(err error)
}

// NewSignalingClient builds a client for the gateway at
// wss://host:port/janus/ws. authHeader is the control-plane session
// cookie.
func NewSignalingClient(host string, port int, authHeader string) *SignalingClient {
	h := http.Header{}
	if authHeader != "" {
		h.Set("Cookie", authHeader)
	}
	return &SignalingClient{
		url:     fmt.Sprintf("wss://%s:%d/janus/ws", host, port),
		header:  h,
		pending: make(map[string]chan janusMessage),
		state:   SignalIdle,
	}
}

// State returns the current lifecycle position.
func (s *SignalingClient) State() SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SignalingClient) setState(state SignalState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Media returns the session's peer-connection wrapper, nil before Connect.
func (s *SignalingClient) Media() *MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// Connect dials the gateway and walks the session up to Watching:
// create -> attach -> watch. The stream then proceeds asynchronously:
// the gateway pushes an SDP offer event, we answer and trickle ICE
// until the transport connects.
func (s *SignalingClient) Connect(ctx context.Context, mediaCfg MediaConfig) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "signaling already connected"}
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: signalDialTimeout,
		Subprotocols:     []string{janusSubprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return &kvm.Error{Kind: kvm.KindConnectionFailed, Cause: err}
	}

	// Local candidates trickle out as they appear; the media status
	// hook drives the Negotiating -> Streaming transition.
	userStatus := mediaCfg.OnStatus
	mediaCfg.OnCandidate = s.trickleLocal
	mediaCfg.OnStatus = func(status MediaStatus, reason string) {
		if status == MediaConnected {
			s.setState(SignalStreaming)
			log.Printf("✅ Signaling: stream up")
		}
		if userStatus != nil {
			userStatus(status, reason)
		}
	}

	media, err := NewMediaSession(mediaCfg)
	if err != nil {
		conn.Close()
		return &kvm.Error{Kind: kvm.KindTransportFailed, Cause: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.media = media
	s.sendJSON = func(msg janusMessage) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(signalCallTimeout))
		return conn.WriteJSON(msg)
	}
	s.mu.Unlock()

	go s.readLoop(conn, done)

	if err := s.establish(ctx); err != nil {
		s.Close()
		return err
	}

	go s.keepAliveLoop(done)
	return nil
}

// establish runs the create/attach/watch ladder.
func (s *SignalingClient) establish(ctx context.Context) error {
	s.setState(SignalSessionCreating)
	resp, err := s.call(ctx, janusMessage{Janus: "create"})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return &kvm.Error{Kind: kvm.KindDecodingFailed, Message: "create response carried no session id"}
	}
	sessionID := resp.Data.ID
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	s.setState(SignalHandleAttaching)
	resp, err = s.call(ctx, janusMessage{
		Janus:     "attach",
		SessionID: sessionID,
		Plugin:    janusPlugin,
	})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return &kvm.Error{Kind: kvm.KindDecodingFailed, Message: "attach response carried no handle id"}
	}
	handleID := resp.Data.ID
	s.mu.Lock()
	s.handleID = handleID
	s.mu.Unlock()

	s.setState(SignalWatching)
	_, err = s.call(ctx, janusMessage{
		Janus:     "message",
		SessionID: sessionID,
		HandleID:  handleID,
		Body: map[string]interface{}{
			"request": "watch",
			"params": map[string]interface{}{
				"orientation": 0,
				"audio":       false,
				"mic":         false,
				"camera":      false,
				"video":       true,
			},
		},
	})
	if err != nil {
		return err
	}

	log.Printf("📡 Signaling: watching (session=%d handle=%d)", sessionID, handleID)
	return nil
}

// call sends one correlated RPC and waits for the matching inbound
// message, the context, or session teardown, whichever first.
func (s *SignalingClient) call(ctx context.Context, msg janusMessage) (janusMessage, error) {
	msg.Transaction = uuid.NewString()

	ch := make(chan janusMessage, 1)
	s.mu.Lock()
	send := s.sendJSON
	done := s.done
	s.pending[msg.Transaction] = ch
	s.mu.Unlock()

	if send == nil {
		s.removePending(msg.Transaction)
		return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Message: "signaling socket not open"}
	}
	if err := send(msg); err != nil {
		s.removePending(msg.Transaction)
		return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Cause: err}
	}

	timer := time.NewTimer(signalCallTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Message: fmt.Sprintf("janus error %d: %s", resp.Error.Code, resp.Error.Reason)}
		}
		return resp, nil
	case <-ctx.Done():
		s.removePending(msg.Transaction)
		return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Cause: ctx.Err()}
	case <-timer.C:
		s.removePending(msg.Transaction)
		return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Message: "rpc timed out"}
	case <-done:
		return janusMessage{}, &kvm.Error{Kind: kvm.KindSignalingLost, Message: "signaling session closed"}
	}
}

// fire sends an uncorrelated message (trickle, keepalive): it still
// carries a transaction id, but no waiter is registered, so the
// gateway's ack falls through to type dispatch and is dropped there.
func (s *SignalingClient) fire(msg janusMessage) {
	msg.Transaction = uuid.NewString()
	s.mu.Lock()
	send := s.sendJSON
	s.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(msg); err != nil {
		log.Printf("⚠️ Signaling send failed (%s): %v", msg.Janus, err)
	}
}

func (s *SignalingClient) removePending(tx string) {
	s.mu.Lock()
	delete(s.pending, tx)
	s.mu.Unlock()
}

// readLoop is the single receive loop: responses and asynchronous
// events interleave here in arbitrary order.
func (s *SignalingClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Explicit close.
			default:
				log.Printf("⚠️ Signaling socket lost: %v", err)
				s.teardown()
				if s.OnClosed != nil {
					s.OnClosed(err)
				}
			}
			return
		}
		s.handleMessage(raw)
	}
}

// handleMessage resolves a pending waiter by transaction id, or
// dispatches unmatched messages by their janus type. A waiter resolves
// at most once: it is removed from the pending set before delivery, so
// a late duplicate finds nothing to resolve.
func (s *SignalingClient) handleMessage(raw []byte) {
	var msg janusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("⚠️ Signaling: undecodable message: %v", err)
		return
	}

	if msg.Transaction != "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.Transaction]
		if ok {
			delete(s.pending, msg.Transaction)
		}
		s.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Janus {
	case "event":
		if msg.JSEP != nil && msg.JSEP.Type == webrtc.SDPTypeOffer {
			go s.handleOffer(*msg.JSEP)
		}
	case "trickle":
		s.handleRemoteCandidate(msg.Candidate)
	case "ack", "keepalive", "webrtcup", "media", "slowlink":
		// Uncorrelated acknowledgements and notifications.
	case "hangup":
		log.Printf("📡 Signaling: gateway hung up")
	default:
		log.Printf("📡 Signaling: ignoring %q message", msg.Janus)
	}
}

// handleOffer answers the gateway's SDP offer and starts the stream.
func (s *SignalingClient) handleOffer(offer webrtc.SessionDescription) {
	s.setState(SignalNegotiating)
	log.Printf("📡 Signaling: received SDP offer, negotiating")

	s.mu.Lock()
	media := s.media
	sessionID := s.sessionID
	handleID := s.handleID
	s.mu.Unlock()
	if media == nil {
		return
	}

	answer, err := media.HandleOffer(offer)
	if err != nil {
		log.Printf("❌ Signaling: answer failed: %v", err)
		s.setState(SignalFailed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalCallTimeout)
	defer cancel()
	_, err = s.call(ctx, janusMessage{
		Janus:     "message",
		SessionID: sessionID,
		HandleID:  handleID,
		Body:      map[string]interface{}{"request": "start"},
		JSEP:      &answer,
	})
	if err != nil {
		log.Printf("❌ Signaling: start failed: %v", err)
		s.setState(SignalFailed)
	}
}

// trickleLocal forwards locally gathered candidates to the gateway.
// A nil candidate marks the end of gathering.
func (s *SignalingClient) trickleLocal(c *webrtc.ICECandidate) {
	var payload janusCandidate
	if c == nil {
		payload.Completed = true
	} else {
		init := c.ToJSON()
		payload.Candidate = init.Candidate
		payload.SDPMid = init.SDPMid
		payload.SDPMLineIndex = init.SDPMLineIndex
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	handleID := s.handleID
	s.mu.Unlock()
	s.fire(janusMessage{
		Janus:     "trickle",
		SessionID: sessionID,
		HandleID:  handleID,
		Candidate: raw,
	})
}

// handleRemoteCandidate applies one candidate trickled by the far end.
func (s *SignalingClient) handleRemoteCandidate(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var cand janusCandidate
	if err := json.Unmarshal(raw, &cand); err != nil {
		log.Printf("⚠️ Signaling: bad trickle payload: %v", err)
		return
	}
	if cand.Completed {
		return
	}

	s.mu.Lock()
	media := s.media
	s.mu.Unlock()
	if media == nil {
		return
	}
	if err := media.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}); err != nil {
		log.Printf("⚠️ Signaling: candidate rejected: %v", err)
	}
}

// keepAliveLoop keeps the gateway session alive; a missed keepalive is
// not fatal, persistent loss surfaces through the receive loop.
func (s *SignalingClient) keepAliveLoop(done chan struct{}) {
	ticker := time.NewTicker(janusKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			sessionID := s.sessionID
			s.mu.Unlock()
			if sessionID != 0 {
				s.fire(janusMessage{Janus: "keepalive", SessionID: sessionID})
			}
		}
	}
}

// failPending resolves every outstanding waiter with a SignalingLost
// error so no caller suspends past teardown.
func (s *SignalingClient) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan janusMessage)
	s.mu.Unlock()

	for tx, ch := range pending {
		ch <- janusMessage{
			Transaction: tx,
			Error:       &janusError{Code: -1, Reason: "signaling session closed"},
		}
	}
}

// teardown cancels the keepalive, fails outstanding waiters, closes
// the socket and peer connection, and clears the session ids.
func (s *SignalingClient) teardown() {
	s.mu.Lock()
	conn := s.conn
	media := s.media
	done := s.done
	s.conn = nil
	s.media = nil
	s.sendJSON = nil
	s.sessionID = 0
	s.handleID = 0
	s.done = nil
	s.state = SignalDisconnected
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	s.failPending()
	if conn != nil {
		conn.Close()
	}
	if media != nil {
		media.Close()
	}
}

// Close tears the session down. Idempotent.
func (s *SignalingClient) Close() {
	s.mu.Lock()
	open := s.conn != nil
	s.mu.Unlock()
	if open {
		s.teardown()
		log.Printf("📡 Signaling session closed")
	}
}
