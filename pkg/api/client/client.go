package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the dockhand API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the session token used for authenticated calls.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Login authenticates with the admin password and stores the session
// token on the client.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/login", map[string]string{"password": password}, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

// Mapper fetches the enriched project index.
func (c *Client) Mapper(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/mapper", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches bucketed per-project request counts for the named range.
func (c *Client) Stats(ctx context.Context, rangeName string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/stats?range="+url.QueryEscape(rangeName), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the live status of one service.
func (c *Client) Status(ctx context.Context, path, service string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	endpoint := "/api/status?path=" + url.QueryEscape(path) + "&service=" + url.QueryEscape(service)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// NextIP returns the next free IPv4 in the named network.
func (c *Client) NextIP(ctx context.Context, network string) (string, error) {
	var out struct {
		IP string `json:"ip"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/next-ip?network="+url.QueryEscape(network), nil, &out); err != nil {
		return "", err
	}
	return out.IP, nil
}

// Apply replaces the full services map of one project.
func (c *Client) Apply(ctx context.Context, path string, services any) error {
	return c.do(ctx, http.MethodPost, "/api/apply", map[string]any{"path": path, "services": services}, nil)
}

// Add clones the template project under a new name.
func (c *Client) Add(ctx context.Context, name string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/add", map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Rename moves a project directory.
func (c *Client) Rename(ctx context.Context, path, newName string) error {
	return c.do(ctx, http.MethodPost, "/api/rename", map[string]string{"path": path, "newName": newName}, nil)
}

// Delete removes a project directory after confirmation.
func (c *Client) Delete(ctx context.Context, path, confirmName string) error {
	return c.do(ctx, http.MethodPost, "/api/delete", map[string]string{"path": path, "confirmName": confirmName}, nil)
}

// Stop stops one service.
func (c *Client) Stop(ctx context.Context, path, service string) error {
	return c.lifecycle(ctx, "/api/stop", path, service)
}

// Restart restarts one service.
func (c *Client) Restart(ctx context.Context, path, service string) error {
	return c.lifecycle(ctx, "/api/restart", path, service)
}

// Attach starts one service.
func (c *Client) Attach(ctx context.Context, path, service string) error {
	return c.lifecycle(ctx, "/api/attach", path, service)
}

func (c *Client) lifecycle(ctx context.Context, endpoint, path, service string) error {
	return c.do(ctx, http.MethodPost, endpoint, map[string]string{"path": path, "service": service}, nil)
}

// NginxConfig fetches the live proxy configuration and its parsed form.
func (c *Client) NginxConfig(ctx context.Context) (string, json.RawMessage, error) {
	var out struct {
		Content string          `json:"content"`
		Parsed  json.RawMessage `json:"parsed"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/nginx", nil, &out); err != nil {
		return "", nil, err
	}
	return out.Content, out.Parsed, nil
}

// SaveNginxConfig writes a new proxy configuration with rollback.
func (c *Client) SaveNginxConfig(ctx context.Context, content string) error {
	return c.do(ctx, http.MethodPost, "/api/nginx/save", map[string]string{"content": content}, nil)
}
