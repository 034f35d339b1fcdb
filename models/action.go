package models

// Action is a one-shot appliance operation queued by the API layer and
// executed serially against the active session: ATX power clicks, mass
// storage operations, EDID updates, text paste.
type Action struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // atx_click, msd_connect, msd_select, edid_set, paste_text
	Params    map[string]interface{} `json:"params"`
	Timestamp int64                  `json:"timestamp"`
	Status    string                 `json:"status"` // pending, executing, done, failed
	Result    string                 `json:"result,omitempty"`
}

// ActionRequest is the API payload for enqueueing an action.
type ActionRequest struct {
	Action ActionData `json:"action"`
}

type ActionData struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}
