// Package client talks to the canvas API over HTTP. A Client implements every
// backend interface an editor session needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/canvas/autosave"
	"teamcanvas/api/internal/canvas/editlock"
	"teamcanvas/api/internal/canvas/editor"
	"teamcanvas/api/internal/canvas/optimistic"
	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/util"
)

// EditSessionHeader carries the tab id so that each client holds its own
// edit session.
const EditSessionHeader = "X-Edit-Session"

const beaconTimeout = 10 * time.Second

var (
	_ editor.Persistence                     = (*Client)(nil)
	_ editlock.SessionAPI                    = (*Client)(nil)
	_ optimistic.DomainAPI                   = (*Client)(nil)
	_ autosave.DurableFireAndForgetTransport = (*Client)(nil)
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Status)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Client is bound to one user token and one tab.
type Client struct {
	baseURL    string
	token      string
	tab        string
	httpClient *http.Client
	log        logr.Logger

	beacons sync.WaitGroup
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTab pins the tab id instead of generating one.
func WithTab(tab string) Option {
	return func(cl *Client) { cl.tab = tab }
}

func WithLogger(log logr.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		tab:        util.NewID("tab"),
		httpClient: http.DefaultClient,
		log:        logging.Log().WithName("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login signs in by display name and returns a client for the new token.
func Login(ctx context.Context, baseURL, name, teamID string, opts ...Option) (*Client, error) {
	c := New(baseURL, "", opts...)
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"name": name, "teamId": teamID}
	if err := c.do(ctx, http.MethodPost, "/api/session/login", body, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.token = out.Token
	return c, nil
}

func (c *Client) Token() string { return c.token }
func (c *Client) Tab() string   { return c.tab }

func teamPath(canvasID string, rest ...string) string {
	parts := []string{"/api/teams", url.PathEscape(canvasID)}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return strings.Join(parts, "/")
}

func (c *Client) LoadCanvas(ctx context.Context, canvasID string) (editor.Loaded, error) {
	var out editor.Loaded
	if err := c.do(ctx, http.MethodGet, teamPath(canvasID, "canvas"), nil, &out); err != nil {
		return editor.Loaded{}, fmt.Errorf("load canvas: %w", err)
	}
	return out, nil
}

func (c *Client) SaveCanvas(ctx context.Context, canvasID string, snap canvas.StoredSnapshot) error {
	if err := c.do(ctx, http.MethodPut, teamPath(canvasID, "canvas"), snap, nil); err != nil {
		return fmt.Errorf("save canvas: %w", err)
	}
	return nil
}

// Send posts the snapshot to the beacon endpoint in the background. The
// token travels in the query since beacons cannot carry headers.
func (c *Client) Send(canvasID string, snap canvas.StoredSnapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		c.log.Error(err, "Encoding beacon payload", "canvas", canvasID)
		return
	}
	q := url.Values{"token": {c.token}, "session": {c.tab}}
	target := c.baseURL + teamPath(canvasID, "canvas", "beacon") + "?" + q.Encode()

	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			c.log.Error(err, "Creating beacon request", "canvas", canvasID)
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Error(err, "Sending beacon", "canvas", canvasID)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			c.log.Info("Beacon rejected", "canvas", canvasID, "status", resp.StatusCode)
		}
	}()
}

// WaitBeacons blocks until every beacon sent so far has completed.
func (c *Client) WaitBeacons() { c.beacons.Wait() }

func (c *Client) Check(ctx context.Context, canvasID string) (editlock.Status, error) {
	var out editlock.Status
	if err := c.do(ctx, http.MethodGet, teamPath(canvasID, "edit-session"), nil, &out); err != nil {
		return editlock.Status{}, fmt.Errorf("check edit session: %w", err)
	}
	return out, nil
}

func (c *Client) Acquire(ctx context.Context, canvasID string) (editlock.AcquireResult, error) {
	var out editlock.AcquireResult
	if err := c.do(ctx, http.MethodPost, teamPath(canvasID, "edit-session", "acquire"), nil, &out); err != nil {
		return editlock.AcquireResult{}, fmt.Errorf("acquire edit session: %w", err)
	}
	return out, nil
}

// Heartbeat renews the lease. A lease the server no longer attributes to
// this tab is reported as editlock.ErrExpired.
func (c *Client) Heartbeat(ctx context.Context, canvasID string) error {
	err := c.do(ctx, http.MethodPost, teamPath(canvasID, "edit-session", "heartbeat"), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusGone || apiErr.Status == http.StatusConflict) {
		return editlock.ErrExpired
	}
	if err != nil {
		return fmt.Errorf("heartbeat edit session: %w", err)
	}
	return nil
}

func (c *Client) Release(ctx context.Context, canvasID string) error {
	if err := c.do(ctx, http.MethodPost, teamPath(canvasID, "edit-session", "release"), nil, nil); err != nil {
		return fmt.Errorf("release edit session: %w", err)
	}
	return nil
}

func (c *Client) CreateRole(ctx context.Context, canvasID string, in optimistic.RoleInput) (canvas.Role, error) {
	var out canvas.Role
	if err := c.do(ctx, http.MethodPost, teamPath(canvasID, "roles"), in, &out); err != nil {
		return canvas.Role{}, fmt.Errorf("create role: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateRole(ctx context.Context, canvasID, roleID string, in optimistic.RoleInput) (canvas.Role, error) {
	var out canvas.Role
	if err := c.do(ctx, http.MethodPut, teamPath(canvasID, "roles", roleID), in, &out); err != nil {
		return canvas.Role{}, fmt.Errorf("update role: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteRole(ctx context.Context, canvasID, roleID string) error {
	if err := c.do(ctx, http.MethodDelete, teamPath(canvasID, "roles", roleID), nil, nil); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return nil
}

func (c *Client) AssignMetric(ctx context.Context, canvasID, roleID, metricID string) (canvas.Role, error) {
	var out canvas.Role
	body := map[string]string{"metricId": metricID}
	if err := c.do(ctx, http.MethodPut, teamPath(canvasID, "roles", roleID, "metric"), body, &out); err != nil {
		return canvas.Role{}, fmt.Errorf("assign metric: %w", err)
	}
	return out, nil
}

func (c *Client) UnassignMetric(ctx context.Context, canvasID, roleID string) (canvas.Role, error) {
	var out canvas.Role
	if err := c.do(ctx, http.MethodDelete, teamPath(canvasID, "roles", roleID, "metric"), nil, &out); err != nil {
		return canvas.Role{}, fmt.Errorf("unassign metric: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(EditSessionHeader, c.tab)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
