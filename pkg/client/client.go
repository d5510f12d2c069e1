package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/manager"
	apptls "github.com/loykin/appvisor/internal/tls"
)

const (
	DefaultBaseURL = "http://127.0.0.1:9615/api"
	DefaultTimeout = 10 * time.Second
)

// ErrNotFound is returned when the daemon does not know the app.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// Unwrap lets callers match 404 responses with errors.Is(err, ErrNotFound).
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to the appvisor daemon HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CAFile trusts a daemon serving a self-signed certificate (its ca.crt).
	CAFile string
	// Insecure skips certificate verification for https URLs.
	Insecure bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New builds a client. A CAFile that cannot be read is logged and ignored,
// so requests then fail verification instead of New failing.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := &http.Client{Timeout: config.Timeout}
	if config.CAFile != "" || config.Insecure {
		tc, err := apptls.ClientConfig(config.CAFile, config.Insecure)
		if err != nil {
			config.Logger.Warn("ignoring client tls settings", "ca_file", config.CAFile, "error", err)
		} else {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = tc
			hc.Transport = tr
		}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  hc,
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/apps", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// List returns every app, or those whose name matches a '*' pattern.
func (c *Client) List(ctx context.Context, match string) ([]manager.AppStatus, error) {
	p := "/apps"
	if match != "" {
		p += "?match=" + url.QueryEscape(match)
	}
	var out []manager.AppStatus
	return out, c.do(ctx, http.MethodGet, p, nil, &out)
}

// Status returns one app.
func (c *Client) Status(ctx context.Context, name string) (manager.AppStatus, error) {
	var out manager.AppStatus
	return out, c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(name), nil, &out)
}

// Apply registers descriptors with the daemon and optionally starts them.
func (c *Client) Apply(ctx context.Context, set descriptor.Set, start bool) ([]string, error) {
	body, err := descriptor.Marshal(set, descriptor.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptors: %w", err)
	}
	p := "/apps"
	if start {
		p += "?start=true"
	}
	var out struct {
		Apps []string `json:"apps"`
	}
	c.logger.Debug("applying descriptors", "apps", set.Names(), "start", start)
	return out.Apps, c.do(ctx, http.MethodPost, p, body, &out)
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/start", nil, nil)
}

// Stop stops an app; a positive wait bounds how long the daemon blocks.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) error {
	p := "/apps/" + url.PathEscape(name) + "/stop"
	if wait > 0 {
		p += "?wait=" + url.QueryEscape(wait.String())
	}
	return c.do(ctx, http.MethodPost, p, nil, nil)
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/restart", nil, nil)
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/apps/"+url.PathEscape(name), nil, nil)
}

// History returns recent lifecycle events of an app, newest first. A zero
// limit uses the daemon's default.
func (c *Client) History(ctx context.Context, name string, limit int) ([]history.Event, error) {
	p := "/apps/" + url.PathEscape(name) + "/history"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []history.Event
	return out, c.do(ctx, http.MethodGet, p, nil, &out)
}

// Descriptors fetches the daemon's set encoded in format (json, yaml or toml).
func (c *Client) Descriptors(ctx context.Context, format descriptor.Format) ([]byte, error) {
	var raw rawBody
	err := c.do(ctx, http.MethodGet, "/descriptors?format="+url.QueryEscape(string(format)), nil, &raw)
	return raw, err
}

// Dump asks the daemon to save its set to the configured store.
func (c *Client) Dump(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dump", nil, nil)
}

// Resurrect asks the daemon to restore and start the saved set.
func (c *Client) Resurrect(ctx context.Context) ([]string, error) {
	var out struct {
		Apps  []string `json:"apps"`
		Error string   `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/resurrect", nil, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return out.Apps, errors.New(out.Error)
	}
	return out.Apps, nil
}

// rawBody receives an undecoded response body.
type rawBody []byte

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *rawBody:
		b, err := io.ReadAll(resp.Body)
		*v = b
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: e.Error}
}
