// Package kumo implements the Kumo Cloud REST API client and session
// management. All requests carry a bearer token from the Session; writes
// carry a client-assigned request id so the cloud can de-duplicate retries.
package kumo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL includes the API version prefix.
	DefaultBaseURL    = "https://app.kumocloud.com/v3"
	DefaultAppVersion = "3.0.3"
)

// Client talks to the Kumo Cloud REST API.
type Client struct {
	baseURL    string
	appVersion string
	session    *Session
	httpClient *http.Client

	// The vendor rate-limits aggressively (429); pace all requests.
	limiter *rate.Limiter
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL      string
	AppVersion   string
	Timeout      time.Duration
	RateLimitRPS float64
}

// NewClient creates a Client using the given session for bearer tokens.
func NewClient(cfg ClientConfig, session *Session) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = DefaultAppVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 0.5
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		appVersion: cfg.AppVersion,
		session:    session,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
	}
}

// Sites returns all sites on the account. The full set is returned on every
// call; callers must never cache a single-site assumption.
func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.request(ctx, http.MethodGet, "/sites/", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// Zones returns the zones of a site, including adapter state.
func (c *Client) Zones(ctx context.Context, siteID string) ([]Zone, error) {
	var zones []Zone
	if err := c.request(ctx, http.MethodGet, "/sites/"+siteID+"/zones", nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// Device returns the current state document for a device.
func (c *Client) Device(ctx context.Context, serial string) (*DeviceDetails, error) {
	var details DeviceDetails
	if err := c.request(ctx, http.MethodGet, "/devices/"+serial, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// DeviceProfile returns the capability descriptor for a device.
func (c *Client) DeviceProfile(ctx context.Context, serial string) (*DeviceProfile, error) {
	var profiles []DeviceProfile
	if err := c.request(ctx, http.MethodGet, "/devices/"+serial+"/profile", nil, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, &StatusError{Status: http.StatusOK, Body: "empty profile"}
	}
	return &profiles[0], nil
}

// SendCommand writes a set of field changes to a device. requestID must be
// unique per logical command and reused verbatim on retries: the cloud
// applies at most one write per id.
func (c *Client) SendCommand(ctx context.Context, serial string, commands map[string]any, requestID string) error {
	body := sendCommandRequest{
		DeviceSerial: serial,
		RequestID:    requestID,
		Commands:     commands,
	}
	return c.request(ctx, http.MethodPost, "/devices/send-command", body, nil)
}

// Probe verifies the session by fetching account info.
func (c *Client) Probe(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "/accounts/me", nil, nil)
}

// request performs one authenticated call. An authorization failure
// invalidates the session and retries exactly once with a fresh token; a
// second authorization failure escalates to ErrReauthRequired.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	err := c.do(ctx, method, path, body, out)
	if err == nil || !IsAuth(err) {
		return err
	}

	log.Debug().Str("path", path).Msg("Authorization failed, refreshing session and retrying once")
	c.session.Invalidate()

	err = c.do(ctx, method, path, body, out)
	if err != nil && IsAuth(err) {
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-app-version", c.appVersion)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
