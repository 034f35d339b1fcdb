package service

import (
	"log"
	"math"
	"sync"

	"kvmcontrol/models"
)

// hidSender is the transport the pipeline emits into. *HIDClient
// satisfies it; tests substitute a recorder.
type hidSender interface {
	SendKey(name string, pressed bool)
	SendMouseButton(name string, pressed bool)
	SendMouseMove(x, y int16)
	SendMouseRelative(dx, dy int)
	SendMouseWheel(dx, dy int)
}

// InputPipeline turns raw UI input events into device-ready HID
// traffic: capture gating, key vocabulary validation, viewport to
// stream coordinate mapping, and meta-key chord buffering.
type InputPipeline struct {
	mu  sync.Mutex
	hid hidSender

	keyboardCaptured bool
	mouseCaptured    bool

	viewW, viewH     int
	streamW, streamH int

	// pendingMeta holds a meta down that has not been flushed yet. The
	// host OS owns bare meta taps (app switchers, menus), so a meta
	// press reaches the device only when a second key joins the chord.
	pendingMeta string
	held        map[string]bool
}

func NewInputPipeline(hid hidSender) *InputPipeline {
	return &InputPipeline{
		hid:  hid,
		held: make(map[string]bool),
	}
}

// SetCapture toggles keyboard and mouse forwarding. Dropping keyboard
// capture releases every held key so nothing sticks down on the target.
func (p *InputPipeline) SetCapture(keyboard, mouse bool) {
	p.mu.Lock()
	releaseKeys := p.keyboardCaptured && !keyboard
	p.keyboardCaptured = keyboard
	p.mouseCaptured = mouse
	var toRelease []string
	if releaseKeys {
		for name := range p.held {
			toRelease = append(toRelease, name)
		}
		p.held = make(map[string]bool)
		p.pendingMeta = ""
	}
	p.mu.Unlock()

	for _, name := range toRelease {
		p.hid.SendKey(name, false)
	}
	if releaseKeys && len(toRelease) > 0 {
		log.Printf("⌨️ Released %d held keys on capture off", len(toRelease))
	}
}

// Captured reports the current capture flags.
func (p *InputPipeline) Captured() (keyboard, mouse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyboardCaptured, p.mouseCaptured
}

// SetViewSize records the UI viewport the mouse coordinates arrive in.
func (p *InputPipeline) SetViewSize(w, h int) {
	p.mu.Lock()
	p.viewW, p.viewH = w, h
	p.mu.Unlock()
}

// SetStreamSize records the coded video size the viewport letterboxes.
func (p *InputPipeline) SetStreamSize(w, h int) {
	p.mu.Lock()
	p.streamW, p.streamH = w, h
	p.mu.Unlock()
}

// HandleKey validates and forwards one key transition.
func (p *InputPipeline) HandleKey(code string, pressed bool) {
	name, ok := MapKeyCode(code)
	if !ok {
		return
	}

	p.mu.Lock()
	if !p.keyboardCaptured {
		p.mu.Unlock()
		return
	}

	if pressed {
		if IsMetaKey(name) {
			p.pendingMeta = name
			p.mu.Unlock()
			return
		}
		meta := p.pendingMeta
		p.pendingMeta = ""
		if meta != "" {
			p.held[meta] = true
		}
		p.held[name] = true
		p.mu.Unlock()
		if meta != "" {
			p.hid.SendKey(meta, true)
		}
		p.hid.SendKey(name, true)
		return
	}

	// Release path.
	if IsMetaKey(name) && p.pendingMeta == name {
		// Bare meta tap: swallow it entirely.
		p.pendingMeta = ""
		p.mu.Unlock()
		return
	}
	if !p.held[name] {
		p.mu.Unlock()
		return
	}
	delete(p.held, name)
	p.mu.Unlock()
	p.hid.SendKey(name, false)
}

// HandleMouseButton forwards one button transition.
func (p *InputPipeline) HandleMouseButton(button string, pressed bool) {
	name, ok := MapMouseButton(button)
	if !ok {
		return
	}
	p.mu.Lock()
	captured := p.mouseCaptured
	p.mu.Unlock()
	if captured {
		p.hid.SendMouseButton(name, pressed)
	}
}

// HandleMouseMove maps absolute viewport pixels onto the device's
// signed 16-bit coordinate plane, honoring the letterboxed content
// rectangle: the stream is scaled to fit the viewport and centered,
// and only the content area maps onto the plane.
func (p *InputPipeline) HandleMouseMove(x, y int) {
	p.mu.Lock()
	captured := p.mouseCaptured
	viewW, viewH := p.viewW, p.viewH
	streamW, streamH := p.streamW, p.streamH
	p.mu.Unlock()

	if !captured || viewW <= 0 || viewH <= 0 {
		return
	}

	contentW, contentH := float64(viewW), float64(viewH)
	offX, offY := 0.0, 0.0
	if streamW > 0 && streamH > 0 {
		scale := math.Min(float64(viewW)/float64(streamW), float64(viewH)/float64(streamH))
		contentW = float64(streamW) * scale
		contentH = float64(streamH) * scale
		offX = (float64(viewW) - contentW) / 2
		offY = (float64(viewH) - contentH) / 2
	}

	p.hid.SendMouseMove(
		planeCoord(float64(x)-offX, contentW),
		planeCoord(float64(y)-offY, contentH),
	)
}

// planeCoord maps a position within [0,extent] to [-32767,32767],
// clamping positions outside the content rectangle to its edge.
func planeCoord(pos, extent float64) int16 {
	if extent <= 0 {
		return 0
	}
	norm := pos / extent
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	return int16(math.Round((norm*2 - 1) * 32767))
}

// HandleMouseRelative forwards one relative motion sample.
func (p *InputPipeline) HandleMouseRelative(dx, dy int) {
	p.mu.Lock()
	captured := p.mouseCaptured
	p.mu.Unlock()
	if captured {
		p.hid.SendMouseRelative(dx, dy)
	}
}

// HandleWheel forwards one scroll step.
func (p *InputPipeline) HandleWheel(dx, dy int) {
	p.mu.Lock()
	captured := p.mouseCaptured
	p.mu.Unlock()
	if captured {
		p.hid.SendMouseWheel(dx, dy)
	}
}

// Dispatch routes one decoded UI event to its handler.
func (p *InputPipeline) Dispatch(ev models.InputEvent) {
	switch ev.Type {
	case "key":
		p.HandleKey(ev.Code, ev.Pressed)
	case "mouse_button":
		p.HandleMouseButton(ev.Button, ev.Pressed)
	case "mouse_move":
		p.HandleMouseMove(int(ev.X), int(ev.Y))
	case "mouse_relative":
		p.HandleMouseRelative(ev.DX, ev.DY)
	case "wheel":
		p.HandleWheel(ev.DX, ev.DY)
	case "view_size":
		p.SetViewSize(int(ev.Width), int(ev.Height))
	case "capture":
		p.SetCapture(ev.Keyboard, ev.Mouse)
	default:
		log.Printf("⚠️ Unknown input event type: %s", ev.Type)
	}
}
