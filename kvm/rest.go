// Package kvm implements the client side of a KVM-over-IP appliance:
// the control-plane REST API plus the error taxonomy shared by the
// signaling and HID transports.
package kvm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	requestTimeout = 15 * time.Second
	probeTimeout   = 3 * time.Second

	authCookie = "auth_token"
)

// Client is a synchronous control-plane client bound to one appliance.
// Appliances ship self-signed certificates, so verification is off.
type Client struct {
	host  string
	port  int
	token string

	http  *http.Client
	probe *http.Client
}

// NewClient creates a client for the appliance at host:port. token may
// be empty; a later Login fills it in.
func NewClient(host string, port int, token string) (*Client, error) {
	if host == "" || strings.ContainsAny(host, "/ ") {
		return nil, newError(KindInvalidConfiguration, fmt.Sprintf("bad host %q", host))
	}
	if port <= 0 || port > 65535 {
		return nil, newError(KindInvalidConfiguration, fmt.Sprintf("bad port %d", port))
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Client{
		host:  host,
		port:  port,
		token: token,
		http:  &http.Client{Transport: transport, Timeout: requestTimeout},
		probe: &http.Client{Transport: transport, Timeout: probeTimeout},
	}, nil
}

// Token returns the session token currently attached to requests.
// Callers persist it into the device record after a successful login.
func (c *Client) Token() string { return c.token }

// Host returns the appliance host.
func (c *Client) Host() string { return c.host }

// Port returns the appliance control port.
func (c *Client) Port() int { return c.port }

// AuthHeader returns the cookie header value carrying the session
// token, for the WebSocket transports that share this authentication.
func (c *Client) AuthHeader() string {
	return authCookie + "=" + c.token
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("https://%s", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
}

// envelope is the control plane's fixed response shape.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

// errorBody holds the message fields appliances embed in failures.
type errorBody struct {
	Result struct {
		ErrorMsg string `json:"error_msg"`
	} `json:"result"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	u := c.baseURL() + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return wrapError(KindInvalidConfiguration, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Cookie", c.AuthHeader())
	}

	resp, err := client.Do(req)
	if err != nil {
		return wrapError(KindConnectionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return wrapError(KindConnectionFailed, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &Error{Kind: KindAuthenticationFailed, Status: resp.StatusCode, Message: httpErrorMessage(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindHTTP, Status: resp.StatusCode, Message: httpErrorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wrapError(KindDecodingFailed, err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return wrapError(KindDecodingFailed, err)
	}
	return nil
}

// httpErrorMessage surfaces the embedded error text when present,
// falling back to the raw body.
func httpErrorMessage(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		if eb.Result.ErrorMsg != "" {
			return eb.Result.ErrorMsg
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// CheckAuth verifies the stored session token. It returns an
// AuthenticationFailed error when the control plane reports the cookie
// invalid or absent, nil when the session is good.
func (c *Client) CheckAuth(ctx context.Context) error {
	return c.do(ctx, c.http, http.MethodGet, "api/auth/check", nil, nil, "", nil)
}

// Identify probes host:port with the short discovery timeout and
// reports whether an appliance control plane answered. authenticated is
// true when the stored token was accepted.
func (c *Client) Identify(ctx context.Context) (authenticated bool, err error) {
	err = c.do(ctx, c.probe, http.MethodGet, "api/auth/check", nil, nil, "", nil)
	if err == nil {
		return true, nil
	}
	if IsAuthFailure(err) {
		// The control plane answered with its auth semantics; the
		// appliance is there even though we are not logged in.
		return false, nil
	}
	return false, err
}

// Login submits credentials as a multipart form and attaches the
// returned session token to this client for all subsequent calls.
func (c *Client) Login(ctx context.Context, user, password string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("user", user); err != nil {
		return "", wrapError(KindInvalidConfiguration, err)
	}
	if err := w.WriteField("passwd", password); err != nil {
		return "", wrapError(KindInvalidConfiguration, err)
	}
	if err := w.Close(); err != nil {
		return "", wrapError(KindInvalidConfiguration, err)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, c.http, http.MethodPost, "api/auth/login", nil, &buf, w.FormDataContentType(), &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", newError(KindDecodingFailed, "login response carried no token")
	}
	c.token = result.Token
	return result.Token, nil
}

// SetHIDConnected tells the appliance whether its emulated HID device
// should present as physically attached. Idempotent on the appliance.
func (c *Client) SetHIDConnected(ctx context.Context, connected bool) error {
	q := url.Values{"connected": {strconv.FormatBool(connected)}}
	return c.do(ctx, c.http, http.MethodPost, "api/hid/set_connected", q, nil, "", nil)
}

// TURNCredentials are the relay credentials handed to the media engine.
type TURNCredentials struct {
	Enabled  bool     `json:"enabled"`
	URLs     []string `json:"uris"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int      `json:"ttl"`
}

// GetTURNCredentials fetches relay credentials for WAN deployments.
// LAN-only setups ignore these and run host candidates only.
func (c *Client) GetTURNCredentials(ctx context.Context) (*TURNCredentials, error) {
	var creds TURNCredentials
	if err := c.do(ctx, c.http, http.MethodGet, "api/turn/get_turn", nil, nil, "", &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// GetSystemConfig fetches the appliance system configuration.
func (c *Client) GetSystemConfig(ctx context.Context) (map[string]interface{}, error) {
	var cfg map[string]interface{}
	if err := c.do(ctx, c.http, http.MethodGet, "api/system/get_config", nil, nil, "", &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetSystemConfig updates the appliance system configuration.
func (c *Client) SetSystemConfig(ctx context.Context, cfg map[string]interface{}) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return wrapError(KindInvalidConfiguration, err)
	}
	return c.do(ctx, c.http, http.MethodPost, "api/system/set_config", nil, bytes.NewReader(body), "application/json", nil)
}

// StreamerState describes the appliance's video capture pipeline.
type StreamerState struct {
	Source struct {
		Resolution struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"resolution"`
		Online      bool    `json:"online"`
		CapturedFPS float64 `json:"captured_fps"`
	} `json:"source"`
	Encoder struct {
		Quality int `json:"quality"`
	} `json:"encoder"`
}

// GetStreamerState reports the capture source state, including the
// native resolution used to seed content-rect math before the first
// keyframe decodes.
func (c *Client) GetStreamerState(ctx context.Context) (*StreamerState, error) {
	var st StreamerState
	if err := c.do(ctx, c.http, http.MethodGet, "api/streamer", nil, nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetEDID fetches the hex-encoded EDID blob presented to the target.
func (c *Client) GetEDID(ctx context.Context) (string, error) {
	var result struct {
		EDID string `json:"edid"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "api/upgrade/edid", nil, nil, "", &result); err != nil {
		return "", err
	}
	return result.EDID, nil
}

// SetEDID replaces the EDID blob. The appliance re-plugs the virtual
// display, so the target may briefly lose video.
func (c *Client) SetEDID(ctx context.Context, edidHex string) error {
	q := url.Values{"edid": {edidHex}}
	return c.do(ctx, c.http, http.MethodPost, "api/upgrade/edid", q, nil, "", nil)
}

// MSDState describes the appliance's mass-storage emulation.
type MSDState struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
	Drive     struct {
		Image string `json:"image"`
		CDROM bool   `json:"cdrom"`
		RW    bool   `json:"rw"`
	} `json:"drive"`
	Storage struct {
		Images map[string]struct {
			Size int64 `json:"size"`
		} `json:"images"`
	} `json:"storage"`
}

// GetMSDState fetches the mass-storage drive state and image catalog.
func (c *Client) GetMSDState(ctx context.Context) (*MSDState, error) {
	var st MSDState
	if err := c.do(ctx, c.http, http.MethodGet, "api/msd", nil, nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetMSDConnected attaches or detaches the emulated drive from the target.
func (c *Client) SetMSDConnected(ctx context.Context, connected bool) error {
	q := url.Values{"connected": {strconv.FormatBool(connected)}}
	return c.do(ctx, c.http, http.MethodPost, "api/msd/set_connected", q, nil, "", nil)
}

// SetMSDParams selects the image to present and the drive mode.
func (c *Client) SetMSDParams(ctx context.Context, image string, cdrom bool) error {
	q := url.Values{
		"image": {image},
		"cdrom": {strconv.FormatBool(cdrom)},
	}
	return c.do(ctx, c.http, http.MethodPost, "api/msd/set_params", q, nil, "", nil)
}

// ATXState reports the target's power LEDs.
type ATXState struct {
	Enabled bool `json:"enabled"`
	Busy    bool `json:"busy"`
	LEDs    struct {
		Power bool `json:"power"`
		HDD   bool `json:"hdd"`
	} `json:"leds"`
}

// GetATXState fetches the target power state.
func (c *Client) GetATXState(ctx context.Context) (*ATXState, error) {
	var st ATXState
	if err := c.do(ctx, c.http, http.MethodGet, "api/atx", nil, nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ATXClick presses a front-panel button on the target.
// button is one of "power", "power_long", "reset".
func (c *Client) ATXClick(ctx context.Context, button string) error {
	switch button {
	case "power", "power_long", "reset":
	default:
		return newError(KindInvalidConfiguration, fmt.Sprintf("unknown atx button %q", button))
	}
	q := url.Values{"button": {button}}
	return c.do(ctx, c.http, http.MethodPost, "api/atx/click", q, nil, "", nil)
}
