package service

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pion/webrtc/v4"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
)

// EventPublisher fans session events and video frames out to attached
// UI clients. Defined here to avoid an import cycle with the hub.
type EventPublisher interface {
	PublishEvent(ev models.SessionEvent)
	PublishFrame(nal []byte)
}

const (
	probeAttempts   = 4
	probeDialWait   = 2 * time.Second
	disconnectGrace = 3 * time.Second
	defaultUser     = "admin"
	typeKeyDelay    = 10 * time.Millisecond
)

// SessionService drives the connection lifecycle for one device at a
// time: reachability probe, authentication, HID attach, then media
// negotiation. All transitions are published on the event channel; the
// UI holds no session state of its own.
type SessionService struct {
	devices *DeviceManager
	hub     EventPublisher

	mu        sync.Mutex
	state     string
	device    *models.Device
	client    *kvm.Client
	hid       *HIDClient
	signaling *SignalingClient
	input     *InputPipeline

	// gen invalidates transport-loss callbacks from torn-down
	// connections: a stale OnClosed must not kill a newer session.
	gen int
}

func NewSessionService(devices *DeviceManager, hub EventPublisher) *SessionService {
	return &SessionService{
		devices: devices,
		hub:     hub,
		state:   models.StateDisconnected,
	}
}

// State returns the current session state and the active device id.
func (s *SessionService) State() (state, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		deviceID = s.device.ID
	}
	return s.state, deviceID
}

func (s *SessionService) setState(state string, deviceID, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.publishState(state, deviceID, reason)
}

func (s *SessionService) publishState(state, deviceID, reason string) {
	log.Printf("🔄 Session state: %s", state)
	s.hub.PublishEvent(models.SessionEvent{
		Type:     "session_state",
		State:    state,
		DeviceID: deviceID,
		Reason:   reason,
	})
}

// Connect brings up a full session against the given device. password
// may be empty when a stored token exists; when both are missing or
// rejected the session parks in auth_required instead of failing the
// device record.
func (s *SessionService) Connect(ctx context.Context, deviceID, user, password string) error {
	s.mu.Lock()
	// auth_required is a parked state: a retry with credentials is the
	// way out of it.
	if s.state != models.StateDisconnected && s.state != models.StateAuthRequired {
		s.mu.Unlock()
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "session already active"}
	}
	device := s.devices.GetDevice(deviceID)
	if device == nil {
		s.mu.Unlock()
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "unknown device: " + deviceID}
	}
	s.device = device
	s.gen++
	gen := s.gen
	// Claim the session in the same critical section as the guard so
	// two racing Connects cannot both pass it.
	s.state = models.StateConnecting
	s.mu.Unlock()

	s.publishState(models.StateConnecting, device.ID, "")

	if user == "" {
		user = defaultUser
	}

	err := s.connect(ctx, device, user, password, gen)
	if err != nil && kvm.KindOf(err) != kvm.KindAuthenticationFailed {
		s.Disconnect()
		s.hub.PublishEvent(models.SessionEvent{Type: "error", DeviceID: deviceID, Reason: err.Error()})
	}
	return err
}

func (s *SessionService) connect(ctx context.Context, device *models.Device, user, password string, gen int) error {
	if err := s.probeReachable(ctx, device.Host, device.Port); err != nil {
		s.devices.UpdateStatus(device.ID, "offline")
		return err
	}
	s.devices.UpdateStatus(device.ID, "online")

	client, err := kvm.NewClient(device.Host, device.Port, device.AuthToken)
	if err != nil {
		return err
	}

	s.setState(models.StateAuthenticating, device.ID, "")
	if err := client.CheckAuth(ctx); err != nil {
		if !kvm.IsAuthFailure(err) {
			return err
		}
		if password == "" {
			// Park and wait for credentials; the device record is fine.
			s.setState(models.StateAuthRequired, device.ID, "stored credentials rejected")
			s.mu.Lock()
			s.device = nil
			s.mu.Unlock()
			return err
		}
		if _, err := client.Login(ctx, user, password); err != nil {
			s.setState(models.StateAuthRequired, device.ID, "login rejected")
			s.mu.Lock()
			s.device = nil
			s.mu.Unlock()
			return err
		}
		device.AuthToken = client.Token()
		if err := s.devices.Persist(device); err != nil {
			log.Printf("⚠️ Device saved in memory only: %v", err)
		}
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	// HID first: the emulated device must present as attached before
	// the stream negotiates, so input works the moment video appears.
	if err := client.SetHIDConnected(ctx, true); err != nil {
		return err
	}

	hid := NewHIDClient(device.Host, device.Port, client.AuthHeader())
	hid.OnClosed = func(err error) { s.handleTransportLoss(gen, "input transport lost") }
	if err := hid.Connect(ctx); err != nil {
		return &kvm.Error{Kind: kvm.KindTransportFailed, Cause: err}
	}

	input := NewInputPipeline(hid)
	input.SetCapture(true, true)

	s.mu.Lock()
	s.hid = hid
	s.input = input
	s.mu.Unlock()

	// Seed the content-rect math from the capture source before the
	// first keyframe decodes.
	if st, err := client.GetStreamerState(ctx); err == nil && st.Source.Resolution.Width > 0 {
		s.publishSize(gen, st.Source.Resolution.Width, st.Source.Resolution.Height)
	}

	signaling := NewSignalingClient(device.Host, device.Port, client.AuthHeader())
	signaling.OnClosed = func(err error) { s.handleTransportLoss(gen, "signaling lost") }

	mediaCfg := MediaConfig{
		ICEServers: s.iceServers(ctx, client),
		OnFrame:    s.hub.PublishFrame,
		OnSize: func(w, h int) {
			s.publishSize(gen, w, h)
		},
		OnStatus: func(status MediaStatus, reason string) {
			s.handleMediaStatus(gen, status, reason)
		},
	}

	s.mu.Lock()
	s.signaling = signaling
	s.mu.Unlock()

	if err := signaling.Connect(ctx, mediaCfg); err != nil {
		return err
	}
	return nil
}

// probeReachable verifies the control port answers before any protocol
// traffic, retrying with jittered backoff to ride out a booting
// appliance.
func (s *SessionService) probeReachable(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		dialer := net.Dialer{Timeout: probeDialWait}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return &kvm.Error{Kind: kvm.KindConnectionFailed, Cause: ctx.Err()}
		case <-time.After(b.Duration()):
		}
	}
	return &kvm.Error{Kind: kvm.KindConnectionFailed, Message: addr + " unreachable", Cause: lastErr}
}

// iceServers turns the appliance's relay credentials into a pion
// config. Missing or disabled credentials mean LAN host candidates only.
func (s *SessionService) iceServers(ctx context.Context, client *kvm.Client) []webrtc.ICEServer {
	creds, err := client.GetTURNCredentials(ctx)
	if err != nil || !creds.Enabled || len(creds.URLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       creds.URLs,
		Username:   creds.Username,
		Credential: creds.Password,
	}}
}

func (s *SessionService) publishSize(gen, w, h int) {
	s.mu.Lock()
	stale := gen != s.gen
	input := s.input
	var deviceID string
	if s.device != nil {
		deviceID = s.device.ID
	}
	s.mu.Unlock()
	if stale {
		return
	}
	if input != nil {
		input.SetStreamSize(w, h)
	}
	s.hub.PublishEvent(models.SessionEvent{Type: "video_size", DeviceID: deviceID, Width: w, Height: h})
}

func (s *SessionService) handleMediaStatus(gen int, status MediaStatus, reason string) {
	s.mu.Lock()
	stale := gen != s.gen
	var deviceID string
	if s.device != nil {
		deviceID = s.device.ID
	}
	s.mu.Unlock()
	if stale {
		return
	}

	switch status {
	case MediaConnected:
		s.setState(models.StateStreaming, deviceID, "")
	case MediaLost, MediaFailed:
		s.handleTransportLoss(gen, reason)
	}
}

// handleTransportLoss tears the session down once per generation. Both
// sockets and the peer connection report loss independently; only the
// first report acts.
func (s *SessionService) handleTransportLoss(gen int, reason string) {
	s.mu.Lock()
	if gen != s.gen || s.state == models.StateDisconnected {
		s.mu.Unlock()
		return
	}
	var deviceID string
	if s.device != nil {
		deviceID = s.device.ID
	}
	s.mu.Unlock()

	log.Printf("⚠️ Session lost: %s", reason)
	s.hub.PublishEvent(models.SessionEvent{Type: "error", DeviceID: deviceID, Reason: reason})
	s.Disconnect()
}

// Disconnect tears everything down and returns to disconnected. Safe
// to call repeatedly and from any state.
func (s *SessionService) Disconnect() {
	s.mu.Lock()
	if s.state == models.StateDisconnected && s.client == nil {
		s.mu.Unlock()
		return
	}
	client := s.client
	hid := s.hid
	signaling := s.signaling
	var deviceID string
	if s.device != nil {
		deviceID = s.device.ID
	}
	s.client = nil
	s.hid = nil
	s.signaling = nil
	s.input = nil
	s.device = nil
	s.gen++
	s.mu.Unlock()

	if signaling != nil {
		signaling.Close()
	}
	if hid != nil {
		hid.Disconnect()
	}
	if client != nil {
		// Best effort: detach the emulated HID so the target sees a
		// clean unplug even if we are going away.
		ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		if err := client.SetHIDConnected(ctx, false); err != nil {
			log.Printf("⚠️ HID detach on disconnect failed: %v", err)
		}
		cancel()
	}

	s.setState(models.StateDisconnected, deviceID, "")
}

// ForgetDevice drops a device's stored credentials through the catalog.
// Refused while the device backs the active session.
func (s *SessionService) ForgetDevice(id string) error {
	if err := s.guardNotActive(id); err != nil {
		return err
	}
	return s.devices.Forget(id)
}

// RemoveDevice removes a device from the catalog and storage. Refused
// while the device backs the active session.
func (s *SessionService) RemoveDevice(id string) error {
	if err := s.guardNotActive(id); err != nil {
		return err
	}
	return s.devices.RemoveDevice(id)
}

func (s *SessionService) guardNotActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil && s.device.ID == id {
		return &kvm.Error{
			Kind:    kvm.KindInvalidConfiguration,
			Status:  http.StatusConflict,
			Message: "device is in use by the active session",
		}
	}
	return nil
}

// Reconnect drops the current session and brings the same device back
// up with the stored credentials.
func (s *SessionService) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	var deviceID string
	if s.device != nil {
		deviceID = s.device.ID
	}
	s.mu.Unlock()
	if deviceID == "" {
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "no active session to reconnect"}
	}

	s.Disconnect()
	return s.Connect(ctx, deviceID, "", "")
}

// HandleInput routes one UI input event into the active pipeline.
// Events arriving with no session are dropped.
func (s *SessionService) HandleInput(ev models.InputEvent) {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()
	if input != nil {
		input.Dispatch(ev)
	}
}

// CachedVideoHeaders returns the SPS/PPS/IDR needed for a viewer
// attaching mid-stream, or nils when nothing is streaming.
func (s *SessionService) CachedVideoHeaders() (sps, pps, idr []byte) {
	s.mu.Lock()
	signaling := s.signaling
	s.mu.Unlock()
	if signaling == nil {
		return nil, nil, nil
	}
	media := signaling.Media()
	if media == nil {
		return nil, nil, nil
	}
	return media.CachedHeaders()
}

// TypeText drives the emulated keyboard through a character sequence,
// one tap at a time. Characters outside the US layout are skipped.
func (s *SessionService) TypeText(text string) error {
	s.mu.Lock()
	hid := s.hid
	s.mu.Unlock()
	if hid == nil {
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "no active session"}
	}

	for _, r := range text {
		name, shift, ok := CharToKey(r)
		if !ok {
			continue
		}
		if shift {
			hid.SendKey("ShiftLeft", true)
		}
		hid.SendKey(name, true)
		hid.SendKey(name, false)
		if shift {
			hid.SendKey("ShiftLeft", false)
		}
		time.Sleep(typeKeyDelay)
	}
	return nil
}

// Client exposes the authenticated control-plane client for the
// passthrough API endpoints; nil when no session is up.
func (s *SessionService) Client() *kvm.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
