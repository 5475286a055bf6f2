// Package remote is the HTTP client of the marker sync service.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/pkg/core"
)

const userAgent = "palsync/1"

var (
	// ErrPermissionDenied is returned when the account lacks the role for a
	// call. It is an expected outcome, not a fault.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnauthorized is returned when the session token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-success HTTP status returned by the service.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Op, e.Status)
}

type wireMarker struct {
	Type      core.Kind `json:"type"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	NetworkID string    `json:"networkId,omitempty"`
	Seen      bool      `json:"seen,omitempty"`
}

type markerList struct {
	Markers []wireMarker `json:"markers"`
}

type loginRequest struct {
	AccountKey string `json:"accountKey"`
}

type loginResponse struct {
	AccountID  string `json:"accountId"`
	AccountKey string `json:"accountKey,omitempty"`
	Token      string `json:"token"`
}

type statisticsResponse struct {
	Floors []core.FloorStatistics `json:"floors"`
}

// Client talks to the sync service. Calls made before Connect log in lazily.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu         sync.Mutex
	accountKey string
	accountID  string
	token      string
}

// New creates a client. The certificate, if any, is loaded immediately.
func New(cfg config.RemoteConfig, cert Certificate) (*Client, error) {
	if cert == nil {
		cert = NoCertificate{}
	}
	certs, err := cert.tlsCertificates()
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(certs) > 0 {
		transport.TLSClientConfig = &tls.Config{
			Certificates: certs,
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		accountKey: cfg.AccountKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// BaseURL returns the service URL, used as the source of exports.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AccountID returns the logged in account, or "" before Connect succeeded.
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// AccountKey returns the key used to log in. A key is issued by the service
// when none was configured.
func (c *Client) AccountKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountKey
}

// Connect logs in with the configured account key, registering a new
// account when there is none.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	key := c.accountKey
	c.mu.Unlock()

	path := "/api/v1/accounts/login"
	if key == "" {
		path = "/api/v1/accounts"
	}

	var resp loginResponse
	if err := c.do(ctx, "login", http.MethodPost, path, "", loginRequest{AccountKey: key}, &resp); err != nil {
		return err
	}
	if resp.Token == "" || resp.AccountID == "" {
		return errors.New("login: incomplete response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountID = resp.AccountID
	c.token = resp.Token
	if resp.AccountKey != "" {
		c.accountKey = resp.AccountKey
	}
	return nil
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	if err := c.Connect(ctx); err != nil {
		return "", fmt.Errorf("connecting: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// authorized performs a call with the session token, dropping the token when
// the service rejects it so the next call logs in again.
func (c *Client) authorized(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.session(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, op, method, path, token, body, out)
	if errors.Is(err, ErrUnauthorized) {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Op: op, Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func regionPath(regionID uint16, suffix string) string {
	return fmt.Sprintf("/api/v1/regions/%d/%s", regionID, suffix)
}

func (c *Client) toWire(markers []core.Marker) markerList {
	account := c.AccountID()
	out := markerList{Markers: make([]wireMarker, 0, len(markers))}
	for _, m := range markers {
		out.Markers = append(out.Markers, wireMarker{
			Type:      m.Kind,
			X:         m.Position.X,
			Y:         m.Position.Y,
			Z:         m.Position.Z,
			NetworkID: m.NetworkID,
			Seen:      account != "" && m.RemoteSeenBy(account),
		})
	}
	return out
}

// fromWire converts service markers. The seen flag refers to the calling
// account and becomes an acknowledgement by it.
func (c *Client) fromWire(list markerList) []core.Marker {
	account := c.AccountID()
	out := make([]core.Marker, 0, len(list.Markers))
	for _, w := range list.Markers {
		m := core.NewMarker(w.Type, core.Position3D{X: w.X, Y: w.Y, Z: w.Z})
		m.NetworkID = w.NetworkID
		if w.Seen {
			m.AddRemoteSeen(account)
		}
		out = append(out, m)
	}
	return out
}

// Download returns every marker the service knows for a region.
func (c *Client) Download(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	var resp markerList
	if err := c.authorized(ctx, "download", http.MethodGet, regionPath(regionID, "markers"), nil, &resp); err != nil {
		return nil, err
	}
	return c.fromWire(resp), nil
}

// Upload submits locally observed markers and returns them with their
// assigned network ids.
func (c *Client) Upload(ctx context.Context, regionID uint16, markers []core.Marker) ([]core.Marker, error) {
	var resp markerList
	if err := c.authorized(ctx, "upload", http.MethodPost, regionPath(regionID, "markers"), c.toWire(markers), &resp); err != nil {
		return nil, err
	}
	return c.fromWire(resp), nil
}

// MarkSeen acknowledges markers for the logged in account.
func (c *Client) MarkSeen(ctx context.Context, regionID uint16, markers []core.Marker) ([]core.Marker, error) {
	var resp markerList
	if err := c.authorized(ctx, "mark seen", http.MethodPost, regionPath(regionID, "seen"), c.toWire(markers), &resp); err != nil {
		return nil, err
	}
	return c.fromWire(resp), nil
}

// FetchStatistics returns per-region marker counts. Accounts without the
// statistics role get ErrPermissionDenied.
func (c *Client) FetchStatistics(ctx context.Context) ([]core.FloorStatistics, error) {
	var resp statisticsResponse
	if err := c.authorized(ctx, "statistics", http.MethodGet, "/api/v1/statistics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Floors, nil
}

// Healthcheck checks if the service is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, "healthcheck", http.MethodGet, "/healthcheck", "", nil, nil)
}
