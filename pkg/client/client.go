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

// ErrNotFound matches API errors answered with 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client provides HTTP client functionality to communicate with a mender server
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
	// CACert trusts an extra CA for https base URLs.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3001/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new mender API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var names []string
	if err := c.do(ctx, http.MethodGet, "/projects", nil, nil, &names); err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

// Execute starts a run in the background and returns its id.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Accepted, error) {
	c.logger.Debug("Starting run", "project", req.Project)
	var out Accepted
	err := c.do(ctx, http.MethodPost, "/execute", nil, req, &out)
	return out, err
}

// ExecuteWait runs to completion and returns the result. The client timeout
// still applies; use a Config.Timeout long enough for the run.
func (c *Client) ExecuteWait(ctx context.Context, req ExecuteRequest) (RunResult, error) {
	c.logger.Debug("Running and waiting", "project", req.Project)
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/execute", url.Values{"wait": {"1"}}, req, &out)
	return out, err
}

func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/projects", nil, nil, &out)
	return out, err
}

// State returns the latest snapshot; a project without state is ErrNotFound.
func (c *Client) State(ctx context.Context, project string) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/state", projectQuery(project), nil, &out)
	return out, err
}

func (c *Client) Stack(ctx context.Context, project string) ([]Snapshot, error) {
	var out []Snapshot
	err := c.do(ctx, http.MethodGet, "/state/stack", projectQuery(project), nil, &out)
	return out, err
}

func (c *Client) DeleteState(ctx context.Context, project string) error {
	return c.do(ctx, http.MethodDelete, "/state", projectQuery(project), nil, nil)
}

func (c *Client) Active(ctx context.Context, project string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	err := c.do(ctx, http.MethodGet, "/agent/active", projectQuery(project), nil, &out)
	return out.Active, err
}

func (c *Client) Terminal(ctx context.Context, project string) (TerminalSession, error) {
	var out TerminalSession
	err := c.do(ctx, http.MethodGet, "/terminal", projectQuery(project), nil, &out)
	return out, err
}

func (c *Client) Tokens(ctx context.Context, project string) (int, error) {
	var out struct {
		TokenUsage int `json:"token_usage"`
	}
	err := c.do(ctx, http.MethodGet, "/tokens", projectQuery(project), nil, &out)
	return out.TokenUsage, err
}

func (c *Client) Messages(ctx context.Context, project string, limit int) ([]Message, error) {
	q := projectQuery(project)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Message
	err := c.do(ctx, http.MethodGet, "/messages", q, nil, &out)
	return out, err
}

// Processes lists live commands; an empty project lists all.
func (c *Client) Processes(ctx context.Context, project string) ([]ProcessInfo, error) {
	var q url.Values
	if project != "" {
		q = projectQuery(project)
	}
	var out []ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes", q, nil, &out)
	return out, err
}

// Kill terminates a live command; an unknown pid is ErrNotFound.
func (c *Client) Kill(ctx context.Context, pid int) error {
	c.logger.Debug("Killing process", "pid", pid)
	return c.do(ctx, http.MethodPost, "/kill", url.Values{"pid": {strconv.Itoa(pid)}}, nil, nil)
}

func projectQuery(project string) url.Values {
	return url.Values{"project": {project}}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if err := loadCACert(tlsConfig, config.CACert); err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
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

// do performs an HTTP request with common error handling and decodes a
// 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
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
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
