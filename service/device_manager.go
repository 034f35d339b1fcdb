package service

import (
	"database/sql"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
)

// DeviceManager is the device catalog: manually added targets, saved
// (persisted) targets and network-discovered ones, de-duplicated by
// (host, port). Manual and saved entries always win over discovered
// ones for the same address.
type DeviceManager struct {
	mu      sync.RWMutex
	devices map[string]*models.Device // keyed by Device.Addr()
	db      *sql.DB
}

func NewDeviceManager(db *sql.DB) *DeviceManager {
	return &DeviceManager{
		devices: make(map[string]*models.Device),
		db:      db,
	}
}

// LoadPersisted populates the catalog from the devices table. Saved
// entries come up with unknown status until a connect or scan proves
// them reachable.
func (m *DeviceManager) LoadPersisted() error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.Query(`SELECT host, port, name, type, auth_token, capabilities FROM devices`)
	if err != nil {
		return err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for rows.Next() {
		var rec models.DeviceRecord
		var caps string
		if err := rows.Scan(&rec.Host, &rec.Port, &rec.Name, &rec.Type, &rec.AuthToken, &caps); err != nil {
			return err
		}
		if caps != "" {
			rec.Capabilities = strings.Split(caps, ",")
		}
		d := &models.Device{
			ID:           uuid.NewString(),
			Name:         rec.Name,
			Host:         rec.Host,
			Port:         rec.Port,
			Type:         rec.Type,
			Origin:       models.OriginSaved,
			AuthToken:    rec.AuthToken,
			Capabilities: rec.Capabilities,
			Status:       "unknown",
		}
		m.devices[d.Addr()] = d
		count++
	}
	if count > 0 {
		log.Printf("💾 Loaded %d saved devices", count)
	}
	return rows.Err()
}

// AddManual registers a user-entered target. Adding an address already
// in the catalog is an error rather than a silent overwrite.
func (m *DeviceManager) AddManual(host string, port int, name string) (*models.Device, error) {
	if host == "" || port <= 0 || port > 65535 {
		return nil, &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "device needs a host and a valid port"}
	}
	if name == "" {
		name = host
	}

	d := &models.Device{
		ID:     uuid.NewString(),
		Name:   name,
		Host:   host,
		Port:   port,
		Origin: models.OriginManual,
		Status: "unknown",
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[d.Addr()]; exists {
		return nil, &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "device " + d.Addr() + " already exists"}
	}
	m.devices[d.Addr()] = d
	return d, nil
}

// MergeDiscovered folds one scan's results into the catalog. Existing
// manual and saved entries keep their identity and only refresh status;
// discovered entries not seen in this scan are dropped.
func (m *DeviceManager) MergeDiscovered(found []*models.Device) {
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(found))
	for _, f := range found {
		seen[f.Addr()] = true
		if existing, ok := m.devices[f.Addr()]; ok {
			existing.Status = "online"
			existing.LastSeen = now
			if existing.Type == "" {
				existing.Type = f.Type
			}
			continue
		}
		d := &models.Device{
			ID:           uuid.NewString(),
			Name:         f.Name,
			Host:         f.Host,
			Port:         f.Port,
			Type:         f.Type,
			Origin:       models.OriginDiscovered,
			Capabilities: f.Capabilities,
			Status:       "online",
			LastSeen:     now,
		}
		if d.Name == "" {
			d.Name = d.Addr()
		}
		m.devices[d.Addr()] = d
	}

	for addr, d := range m.devices {
		if d.Origin == models.OriginDiscovered && !seen[addr] {
			delete(m.devices, addr)
		}
	}
}

// GetAllDevices returns the catalog sorted by name.
func (m *DeviceManager) GetAllDevices() []*models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].Addr() < devices[j].Addr()
	})
	return devices
}

// GetDevice returns a single device by ID.
func (m *DeviceManager) GetDevice(id string) *models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// UpdateStatus records a reachability change for the given device.
func (m *DeviceManager) UpdateStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			d.Status = status
			if status == "online" {
				d.LastSeen = time.Now().Unix()
			}
			return
		}
	}
}

// Persist saves the device and its credentials, promoting it to a
// saved entry. Called after a successful authentication so the next
// session can skip the password prompt.
func (m *DeviceManager) Persist(d *models.Device) error {
	m.mu.Lock()
	d.Origin = models.OriginSaved
	rec := models.DeviceRecord{
		Host:         d.Host,
		Port:         d.Port,
		Name:         d.Name,
		Type:         d.Type,
		AuthToken:    d.AuthToken,
		Capabilities: d.Capabilities,
	}
	m.devices[d.Addr()] = d
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(`
		INSERT INTO devices (host, port, name, type, auth_token, capabilities)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, port) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			auth_token = excluded.auth_token,
			capabilities = excluded.capabilities`,
		rec.Host, rec.Port, rec.Name, rec.Type, rec.AuthToken, strings.Join(rec.Capabilities, ","))
	if err != nil {
		log.Printf("❌ Failed to persist device %s: %v", d.Addr(), err)
	}
	return err
}

// Forget drops the device's stored credentials and persisted record.
// The entry stays in the catalog as a manual target.
func (m *DeviceManager) Forget(id string) error {
	m.mu.Lock()
	d := (*models.Device)(nil)
	for _, cand := range m.devices {
		if cand.ID == id {
			d = cand
			break
		}
	}
	if d == nil {
		m.mu.Unlock()
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "unknown device: " + id}
	}
	d.AuthToken = ""
	d.Origin = models.OriginManual
	host, port := d.Host, d.Port
	m.mu.Unlock()

	return m.deleteRecord(host, port)
}

// RemoveDevice drops the device from the catalog and from storage.
func (m *DeviceManager) RemoveDevice(id string) error {
	m.mu.Lock()
	var removed *models.Device
	for addr, d := range m.devices {
		if d.ID == id {
			removed = d
			delete(m.devices, addr)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "unknown device: " + id}
	}
	return m.deleteRecord(removed.Host, removed.Port)
}

func (m *DeviceManager) deleteRecord(host string, port int) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(`DELETE FROM devices WHERE host = ? AND port = ?`, host, port)
	return err
}
