package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
)

// eventRecorder is a hub stand-in capturing published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.SessionEvent
	frames int
}

func (r *eventRecorder) PublishEvent(ev models.SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) PublishFrame(nal []byte) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *eventRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == "session_state" {
			out = append(out, ev.State)
		}
	}
	return out
}

// fakeAppliance emulates the device side: control plane, HID socket
// and signaling gateway on one TLS listener.
type fakeAppliance struct {
	srv *httptest.Server

	mu       sync.Mutex
	token    string
	password string
	calls    []string // ordered request log
}

func newFakeAppliance(password string) *fakeAppliance {
	a := &fakeAppliance{password: password}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{janusSubprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		a.log("auth/check")
		if !a.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"ok":false,"result":{"error_msg":"unauthorized"}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	})
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		a.log("auth/login")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("passwd") != a.password {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"ok":false,"result":{"error_msg":"invalid credentials"}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"token":"tok123"}}`)
	})
	mux.HandleFunc("/api/hid/set_connected", func(w http.ResponseWriter, r *http.Request) {
		a.log("hid/set_connected=" + r.URL.Query().Get("connected"))
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	})
	mux.HandleFunc("/api/streamer", func(w http.ResponseWriter, r *http.Request) {
		a.log("streamer")
		fmt.Fprint(w, `{"ok":true,"result":{"source":{"resolution":{"width":1280,"height":720},"online":true}}}`)
	})
	mux.HandleFunc("/api/turn/get_turn", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"enabled":false}}`)
	})
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		a.log("hid-ws cookie=" + r.Header.Get("Cookie"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/janus/ws", func(w http.ResponseWriter, r *http.Request) {
		a.log("janus-ws cookie=" + r.Header.Get("Cookie"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			tx, _ := msg["transaction"].(string)
			switch msg["janus"] {
			case "create":
				conn.WriteJSON(map[string]interface{}{
					"janus": "success", "transaction": tx,
					"data": map[string]interface{}{"id": 42},
				})
			case "attach":
				conn.WriteJSON(map[string]interface{}{
					"janus": "success", "transaction": tx,
					"data": map[string]interface{}{"id": 7},
				})
			default:
				conn.WriteJSON(map[string]interface{}{"janus": "ack", "transaction": tx})
			}
		}
	})

	a.srv = httptest.NewTLSServer(mux)
	return a
}

func (a *fakeAppliance) authed(r *http.Request) bool {
	c, err := r.Cookie("auth_token")
	return err == nil && c.Value == "tok123"
}

func (a *fakeAppliance) log(entry string) {
	a.mu.Lock()
	a.calls = append(a.calls, entry)
	a.mu.Unlock()
}

func (a *fakeAppliance) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *fakeAppliance) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(a.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

func TestConnectWithoutPasswordParksInAuthRequired(t *testing.T) {
	appliance := newFakeAppliance("secret")
	defer appliance.srv.Close()
	host, port := appliance.hostPort(t)

	devices := NewDeviceManager(nil)
	device, _ := devices.AddManual(host, port, "bench")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := session.Connect(ctx, device.ID, "", "")
	if err == nil {
		t.Fatal("expected auth failure without credentials")
	}
	if kvm.KindOf(err) != kvm.KindAuthenticationFailed {
		t.Fatalf("error kind = %v, want AuthenticationFailed", kvm.KindOf(err))
	}

	state, _ := session.State()
	if state != models.StateAuthRequired {
		t.Fatalf("state = %s, want auth_required", state)
	}

	// No transport may have been touched before authentication.
	for _, call := range appliance.callLog() {
		if strings.HasPrefix(call, "hid-ws") || strings.HasPrefix(call, "janus-ws") ||
			strings.HasPrefix(call, "hid/set_connected") {
			t.Fatalf("unauthenticated session touched transport: %v", appliance.callLog())
		}
	}
}

func TestConnectWithPasswordPersistsTokenAndOrdersTransports(t *testing.T) {
	appliance := newFakeAppliance("secret")
	defer appliance.srv.Close()
	host, port := appliance.hostPort(t)

	devices := NewDeviceManager(nil)
	device, _ := devices.AddManual(host, port, "bench")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := session.Connect(ctx, device.ID, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Disconnect()

	// Token persisted onto the device record and the record promoted.
	got := devices.GetDevice(device.ID)
	if got.AuthToken != "tok123" {
		t.Fatalf("token = %q, want tok123", got.AuthToken)
	}
	if got.Origin != models.OriginSaved {
		t.Fatalf("origin = %s, want saved", got.Origin)
	}

	calls := appliance.callLog()
	idx := func(prefix string) int {
		for i, c := range calls {
			if strings.HasPrefix(c, prefix) {
				return i
			}
		}
		return -1
	}

	// HID presents as attached before any stream negotiation.
	attach := idx("hid/set_connected=true")
	janus := idx("janus-ws")
	if attach == -1 || janus == -1 || attach > janus {
		t.Fatalf("hid attach must precede signaling: %v", calls)
	}

	// Both sockets carry the session cookie.
	for _, prefix := range []string{"hid-ws", "janus-ws"} {
		i := idx(prefix)
		if i == -1 || !strings.Contains(calls[i], "auth_token=tok123") {
			t.Fatalf("%s missing session cookie: %v", prefix, calls)
		}
	}

	// State walked through connecting and authenticating.
	states := rec.states()
	wantPrefix := []string{models.StateConnecting, models.StateAuthenticating}
	for i, want := range wantPrefix {
		if i >= len(states) || states[i] != want {
			t.Fatalf("states = %v, want prefix %v", states, wantPrefix)
		}
	}
}

func TestRetryWithPasswordLeavesAuthRequired(t *testing.T) {
	appliance := newFakeAppliance("secret")
	defer appliance.srv.Close()
	host, port := appliance.hostPort(t)

	devices := NewDeviceManager(nil)
	device, _ := devices.AddManual(host, port, "bench")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := session.Connect(ctx, device.ID, "", ""); err == nil {
		t.Fatal("expected auth failure")
	}

	// Second attempt with credentials must be allowed out of the
	// parked state.
	if err := session.Connect(ctx, device.ID, "admin", "secret"); err != nil {
		t.Fatalf("retry with password: %v", err)
	}
	session.Disconnect()

	state, _ := session.State()
	if state != models.StateDisconnected {
		t.Fatalf("state = %s after disconnect", state)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	devices := NewDeviceManager(nil)
	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	session.Disconnect()
	session.Disconnect()

	state, _ := session.State()
	if state != models.StateDisconnected {
		t.Fatalf("state = %s", state)
	}
	if len(rec.states()) != 0 {
		t.Fatalf("idle disconnects published events: %v", rec.states())
	}
}

func TestHandleInputDropsWithoutSession(t *testing.T) {
	devices := NewDeviceManager(nil)
	session := NewSessionService(devices, &eventRecorder{})

	// Must not panic with no pipeline attached.
	session.HandleInput(models.InputEvent{Type: "key", Code: "KeyA", Pressed: true})
}

func TestConnectUnreachableHostFails(t *testing.T) {
	devices := NewDeviceManager(nil)
	// TEST-NET-1 address: guaranteed unroutable.
	device, _ := devices.AddManual("192.0.2.1", 443, "ghost")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := session.Connect(ctx, device.ID, "", "")
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if kvm.KindOf(err) != kvm.KindConnectionFailed {
		t.Fatalf("error kind = %v, want ConnectionFailed", kvm.KindOf(err))
	}
	state, _ := session.State()
	if state != models.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", state)
	}

	// A distinct error event surfaced the reason to the UI.
	found := false
	for _, ev := range recEvents(rec) {
		if ev.Type == "error" {
			found = true
		}
	}
	if !found {
		t.Fatal("no error event published")
	}
}

func TestConnectRefusedWhileSessionActive(t *testing.T) {
	appliance := newFakeAppliance("secret")
	defer appliance.srv.Close()
	host, port := appliance.hostPort(t)

	devices := NewDeviceManager(nil)
	device, _ := devices.AddManual(host, port, "bench")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := session.Connect(ctx, device.ID, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Disconnect()

	err := session.Connect(ctx, device.ID, "admin", "secret")
	if err == nil {
		t.Fatal("second connect must be refused while a session is up")
	}
	if kvm.KindOf(err) != kvm.KindInvalidConfiguration {
		t.Fatalf("error kind = %v, want InvalidConfiguration", kvm.KindOf(err))
	}
}

func TestActiveDeviceCannotBeForgottenOrRemoved(t *testing.T) {
	appliance := newFakeAppliance("secret")
	defer appliance.srv.Close()
	host, port := appliance.hostPort(t)

	devices := NewDeviceManager(nil)
	device, _ := devices.AddManual(host, port, "bench")
	idle, _ := devices.AddManual("10.9.9.9", 443, "idle")

	rec := &eventRecorder{}
	session := NewSessionService(devices, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := session.Connect(ctx, device.ID, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for name, op := range map[string]func(string) error{
		"forget": session.ForgetDevice,
		"remove": session.RemoveDevice,
	} {
		err := op(device.ID)
		if err == nil {
			t.Fatalf("%s of the active device must be refused", name)
		}
		var e *kvm.Error
		if !errors.As(err, &e) || e.Status != http.StatusConflict {
			t.Fatalf("%s error = %v, want conflict status", name, err)
		}
	}

	// The refusal left the entry and its credentials alone.
	if got := devices.GetDevice(device.ID); got == nil || got.AuthToken != "tok123" {
		t.Fatalf("active device entry was touched: %+v", devices.GetDevice(device.ID))
	}

	// Devices not backing the session stay removable.
	if err := session.RemoveDevice(idle.ID); err != nil {
		t.Fatalf("remove of idle device: %v", err)
	}

	session.Disconnect()
	if err := session.RemoveDevice(device.ID); err != nil {
		t.Fatalf("remove after disconnect: %v", err)
	}
}

func recEvents(r *eventRecorder) []models.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SessionEvent, len(r.events))
	copy(out, r.events)
	return out
}
