package models

// Session states published to the UI. The orchestrator walks
// Disconnected -> Connecting -> Authenticating -> Streaming, with
// AuthRequired as a side branch when the control plane rejects the
// stored token and no password was supplied.
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateAuthRequired   = "auth_required"
	StateStreaming      = "streaming"
)

// SessionEvent is a single state-transition notification on the UI
// event channel. The UI is a pure subscriber; it never shares mutable
// state with the core.
type SessionEvent struct {
	Type     string `json:"type"` // session_state, video_size, device_list, error
	State    string `json:"state,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// InputEvent is the upstream envelope the UI sends on the hub socket.
// Exactly one of the event groups is populated depending on Type:
// key, mouse_button, mouse_move, mouse_relative, wheel, view_size, capture.
type InputEvent struct {
	Type string `json:"type"`

	// key / mouse_button
	Code    string `json:"code,omitempty"`
	Button  string `json:"button,omitempty"`
	Pressed bool   `json:"pressed,omitempty"`

	// mouse_move (view coordinates), view_size
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`

	// mouse_relative / wheel
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`

	// capture toggles
	Keyboard bool `json:"keyboard,omitempty"`
	Mouse    bool `json:"mouse,omitempty"`
}
