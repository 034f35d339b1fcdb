package models

import "fmt"

// Device origin tags, carried in the Origin field so the UI can tell
// where an entry came from.
const (
	OriginManual     = "manual"
	OriginSaved      = "saved"
	OriginDiscovered = "discovered"
)

// Device is one controllable KVM target.
// (Host, Port) is the durable identity used for persistence and
// de-duplication; ID may change representation when a discovered entry
// is promoted to saved.
type Device struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Type         string   `json:"type"` // vendor tag, e.g. "pikvm", "glkvm"
	Origin       string   `json:"origin"`
	AuthToken    string   `json:"-"` // never leaves the backend
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"` // online, offline, unknown
	LastSeen     int64    `json:"last_seen,omitempty"`
}

// Addr returns the host:port key used for catalog de-duplication.
func (d *Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// HasCapability reports whether the device advertises the given feature flag.
func (d *Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// DeviceRecord is the durable subset of Device serialized to sqlite.
type DeviceRecord struct {
	Host         string
	Port         int
	Name         string
	Type         string
	AuthToken    string
	Capabilities []string
}
