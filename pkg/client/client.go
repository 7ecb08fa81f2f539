package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the daemon answers 404.
var ErrNotFound = errors.New("not found")

// Client talks to the lunarpod daemon HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig is used when the API is served over HTTPS.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new lunarpod API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.Ping(ctx)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Ping calls GET /ping.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/ping", nil, &out); err != nil {
		return err
	}
	if out.Message != "pong" {
		return fmt.Errorf("unexpected ping reply %q", out.Message)
	}
	return nil
}

// Pods lists the status of every pod.
func (c *Client) Pods(ctx context.Context) ([]PodStatus, error) {
	var out []PodStatus
	err := c.do(ctx, http.MethodGet, "/pods", nil, &out)
	return out, err
}

// NewPod creates a pod. Empty id lets the daemon generate one; component
// initializes the stack up to that component.
func (c *Client) NewPod(ctx context.Context, id, component string) (Reference, error) {
	var out struct {
		PodID Reference `json:"podId"`
	}
	body := map[string]string{"id": id, "component": component}
	err := c.do(ctx, http.MethodPost, "/pods", body, &out)
	return out.PodID, err
}

// RemovePod stops and removes a pod.
func (c *Client) RemovePod(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/pods?id="+url.QueryEscape(id), nil, nil)
}

// GetPod returns the status and components of a pod.
func (c *Client) GetPod(ctx context.Context, id string) (PodStatus, error) {
	var out PodStatus
	err := c.do(ctx, http.MethodGet, "/pod/"+url.PathEscape(id), nil, &out)
	return out, err
}

// PodAction runs init, start, stop or restart on a pod component. An empty
// component targets all of them.
func (c *Client) PodAction(ctx context.Context, id, action, component string) (PodStatus, error) {
	p := "/pod/" + url.PathEscape(id) + "/" + url.PathEscape(action)
	if component != "" {
		p += "?component=" + url.QueryEscape(component)
	}
	var out PodStatus
	err := c.do(ctx, http.MethodPost, p, nil, &out)
	return out, err
}

// Execute runs a pod command.
func (c *Client) Execute(ctx context.Context, podID, command string, args any) (Result, error) {
	return c.command(ctx, "/pod/"+url.PathEscape(podID), command, args)
}

// OpenDbs lists the names of open databases.
func (c *Client) OpenDbs(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/open", nil, &out)
	return out, err
}

// Open opens or returns a database.
func (c *Client) Open(ctx context.Context, req OpenRequest) (DbInfo, error) {
	var out DbInfo
	err := c.do(ctx, http.MethodPost, "/open", req, &out)
	return out, err
}

// GetDb describes an open database by name or id.
func (c *Client) GetDb(ctx context.Context, id string) (DbInfo, error) {
	var out DbInfo
	err := c.do(ctx, http.MethodGet, "/db/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Operation runs a database operation.
func (c *Client) Operation(ctx context.Context, dbID, command string, args any) (Result, error) {
	return c.command(ctx, "/db/"+url.PathEscape(dbID), command, args)
}

// CloseDb closes a database and removes its pod.
func (c *Client) CloseDb(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/db/"+url.PathEscape(id), nil, nil)
}

// LogBooks lists the logbooks.
func (c *Client) LogBooks(ctx context.Context) ([]LogBookSummary, error) {
	var out []LogBookSummary
	err := c.do(ctx, http.MethodGet, "/logbooks", nil, &out)
	return out, err
}

// LogBook returns the entries of one logbook.
func (c *Client) LogBook(ctx context.Context, name string, q LogQuery) ([]LogEntry, error) {
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, "/logbooks/"+url.PathEscape(name)+q.encode(), nil, &out)
	return out, err
}

// Logs returns entries of every logbook in append order.
func (c *Client) Logs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, "/logs"+q.encode(), nil, &out)
	return out, err
}

func (q LogQuery) encode() string {
	v := url.Values{}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if q.Pod != "" {
		v.Set("pod", q.Pod)
	}
	if q.Process != "" {
		v.Set("process", q.Process)
	}
	if q.Last > 0 {
		v.Set("last", strconv.Itoa(q.Last))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) command(ctx context.Context, path, command string, args any) (Result, error) {
	body := struct {
		Command string `json:"command"`
		Args    any    `json:"args,omitempty"`
	}{Command: command, Args: args}
	var out Result
	err := c.do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config *TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.SkipVerify, //nolint:gosec // opt-in for self-signed proxies
		ServerName:         config.ServerName,
	}
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends body as JSON and decodes a 200 reply into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		errorResp.Error = http.StatusText(resp.StatusCode)
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
