package kvm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

// newTestClient spins up a TLS control plane and a client pointed at it.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	c, err := NewClient(u.Hostname(), port, "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestNewClientRejectsBadTarget(t *testing.T) {
	if _, err := NewClient("", 443, ""); err == nil {
		t.Fatal("expected error for empty host")
	}
	if _, err := NewClient("host/with/path", 443, ""); err == nil {
		t.Fatal("expected error for host containing a path")
	}
	if _, err := NewClient("10.0.0.5", 0, ""); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := NewClient("10.0.0.5", 70000, ""); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestLoginAttachesTokenToLaterRequests(t *testing.T) {
	var sawCookie string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("login was not multipart: %v", err)
		}
		if got := r.FormValue("user"); got != "admin" {
			t.Errorf("user = %q, want admin", got)
		}
		if got := r.FormValue("passwd"); got != "secret" {
			t.Errorf("passwd = %q, want secret", got)
		}
		w.Write([]byte(`{"ok": true, "result": {"token": "tok123"}}`))
	})
	mux.HandleFunc("/api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		sawCookie = r.Header.Get("Cookie")
		w.Write([]byte(`{"ok": true, "result": {}}`))
	})

	c, _ := newTestClient(t, mux)

	tok, err := c.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != "tok123" {
		t.Fatalf("token = %q, want tok123", tok)
	}
	if c.Token() != "tok123" {
		t.Fatalf("client did not keep the token")
	}

	if err := c.CheckAuth(context.Background()); err != nil {
		t.Fatalf("CheckAuth: %v", err)
	}
	if sawCookie != "auth_token=tok123" {
		t.Fatalf("cookie = %q, want auth_token=tok123", sawCookie)
	}
}

func TestCheckAuthReportsAuthenticationFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok": false, "result": {"error_msg": "session expired"}}`, http.StatusUnauthorized)
	})

	c, _ := newTestClient(t, mux)

	err := c.CheckAuth(context.Background())
	if !IsAuthFailure(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("kind = %v", KindOf(err))
	}
}

func TestLoginRejectionIsAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok": false, "result": {"error_msg": "bad credentials"}}`, http.StatusForbidden)
	})

	c, _ := newTestClient(t, mux)

	_, err := c.Login(context.Background(), "admin", "wrong")
	if !IsAuthFailure(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestHTTPErrorSurfacesEmbeddedMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/msd/set_params", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok": false, "result": {"error_msg": "image not found"}}`, http.StatusConflict)
	})

	c, _ := newTestClient(t, mux)

	err := c.SetMSDParams(context.Background(), "missing.iso", true)
	if err == nil {
		t.Fatal("expected error")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error is not *kvm.Error: %v", err)
	}
	if e.Kind != KindHTTP || e.Status != http.StatusConflict {
		t.Fatalf("kind=%v status=%d", e.Kind, e.Status)
	}
	if e.Message != "image not found" {
		t.Fatalf("message = %q", e.Message)
	}
}

func TestStreamerStateDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streamer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true, "result": {"source": {"resolution": {"width": 1920, "height": 1080}, "online": true}}}`))
	})

	c, _ := newTestClient(t, mux)

	st, err := c.GetStreamerState(context.Background())
	if err != nil {
		t.Fatalf("GetStreamerState: %v", err)
	}
	if st.Source.Resolution.Width != 1920 || st.Source.Resolution.Height != 1080 {
		t.Fatalf("resolution = %dx%d", st.Source.Resolution.Width, st.Source.Resolution.Height)
	}
	if !st.Source.Online {
		t.Fatal("source should be online")
	}
}

func TestMalformedResultIsDecodingFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streamer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true, "result": "not-an-object"}`))
	})

	c, _ := newTestClient(t, mux)

	if _, err := c.GetStreamerState(context.Background()); KindOf(err) != KindDecodingFailed {
		t.Fatalf("expected decoding failure, got %v", err)
	}
}

func TestIdentifyRecognizesUnauthenticatedAppliance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok": false}`, http.StatusUnauthorized)
	})

	c, _ := newTestClient(t, mux)

	authed, err := c.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if authed {
		t.Fatal("should not report authenticated")
	}
}

func TestATXClickValidatesButton(t *testing.T) {
	c, err := NewClient("10.0.0.5", 443, "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.ATXClick(context.Background(), "eject"); err == nil {
		t.Fatal("expected rejection of unknown button")
	}
}
