package service

import (
	"errors"
	"io"
	"log"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// MediaStatus is the simplified connectivity state surfaced to the
// session orchestrator and the UI.
type MediaStatus string

const (
	MediaConnecting MediaStatus = "connecting"
	MediaConnected  MediaStatus = "connected"
	MediaLost       MediaStatus = "lost"
	MediaFailed     MediaStatus = "failed"
)

// MediaConfig wires a MediaSession's callbacks. All callbacks fire from
// pion goroutines; receivers must not block.
type MediaConfig struct {
	// ICEServers is empty for LAN-only deployments: host candidates
	// only, trading NAT robustness for latency.
	ICEServers []webrtc.ICEServer

	OnCandidate func(c *webrtc.ICECandidate) // nil candidate = gathering complete
	OnStatus    func(status MediaStatus, reason string)
	OnFrame     func(nal []byte)
	OnSize      func(width, height int)
}

// MediaSession wraps the WebRTC peer connection for one video stream:
// receive-only video, trickle ICE, H.264 depacketization and fanout.
type MediaSession struct {
	pc    *webrtc.PeerConnection
	cfg   MediaConfig
	cache frameCache

	mu         sync.Mutex
	lastReason string
	closed     bool
}

// NewMediaSession builds the peer connection and registers the
// receive-only video transceiver.
func NewMediaSession(cfg MediaConfig) (*MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	m := &MediaSession{pc: pc, cfg: cfg}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if cfg.OnCandidate != nil {
			cfg.OnCandidate(c)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("🎥 Peer connection state: %s", state)
		m.publishStatus(state)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("🎥 Track: %s (%s)", track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go m.consumeVideo(track)
		}
	})

	return m, nil
}

func (m *MediaSession) publishStatus(state webrtc.PeerConnectionState) {
	var status MediaStatus
	reason := ""
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		status = MediaConnecting
	case webrtc.PeerConnectionStateConnected:
		status = MediaConnected
	case webrtc.PeerConnectionStateDisconnected:
		status, reason = MediaLost, "peer connection disconnected"
	case webrtc.PeerConnectionStateClosed:
		status, reason = MediaLost, "peer connection closed"
	case webrtc.PeerConnectionStateFailed:
		status, reason = MediaFailed, "peer connection failed"
	default:
		return
	}

	m.mu.Lock()
	if reason != "" {
		m.lastReason = reason
	}
	closed := m.closed
	m.mu.Unlock()

	if !closed && m.cfg.OnStatus != nil {
		m.cfg.OnStatus(status, reason)
	}
}

// LastDisconnectReason returns a human-readable cause for the most
// recent loss, for the UI's "connection lost" surface.
func (m *MediaSession) LastDisconnectReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReason
}

// FrameSize returns the coded dimensions parsed from the stream's SPS.
func (m *MediaSession) FrameSize() (w, h int) {
	return m.cache.Size()
}

// CachedHeaders returns the latest SPS, PPS and IDR NALs so a viewer
// attaching mid-stream can decode immediately.
func (m *MediaSession) CachedHeaders() (sps, pps, idr []byte) {
	return m.cache.Headers()
}

// HandleOffer applies the remote SDP offer and produces the local
// answer. Trickle ICE: the answer is returned before gathering ends.
func (m *MediaSession) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AddRemoteCandidate applies one trickled ICE candidate from the far end.
func (m *MediaSession) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return m.pc.AddICECandidate(candidate)
}

// Close tears down the peer connection. Idempotent.
func (m *MediaSession) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.pc.Close()
}

// consumeVideo depacketizes the inbound RTP stream into Annex-B NAL
// units, keeps the header cache current and hands every unit to the
// frame sink.
func (m *MediaSession) consumeVideo(track *webrtc.TrackRemote) {
	depacketizer := &codecs.H264Packet{}
	count := 0

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("⚠️ Video track read error: %v", err)
			}
			return
		}
		m.handleRTP(depacketizer, pkt, &count)
	}
}

func (m *MediaSession) handleRTP(depacketizer *codecs.H264Packet, pkt *rtp.Packet, count *int) {
	if len(pkt.Payload) == 0 {
		return
	}
	buf, err := depacketizer.Unmarshal(pkt.Payload)
	if err != nil || len(buf) == 0 {
		// Fragmented units mid-assembly come back empty; not an error.
		return
	}

	for _, nal := range splitAnnexB(buf) {
		if m.cache.Update(nal) {
			if w, h := m.cache.Size(); m.cfg.OnSize != nil {
				m.cfg.OnSize(w, h)
			}
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(nal)
		}

		*count++
		if *count == 1 {
			log.Printf("🎞️ First NAL received (%d bytes)", len(nal))
		} else if *count%1000 == 0 {
			log.Printf("📹 Streaming: %d NALs relayed", *count)
		}
	}
}
