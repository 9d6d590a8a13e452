// Package client provides HTTP client functionality to communicate with the
// sketchd daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to one sketchd daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig targets a daemon on the default local listener.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8420/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Create registers or replaces a sketch.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Sketch, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Sketch{}, fmt.Errorf("marshal request: %w", err)
	}
	var out Sketch
	err = c.do(ctx, http.MethodPost, c.baseURL+"/sketches", data, &out)
	return out, err
}

// Run builds the sketch when needed and launches it.
func (c *Client) Run(ctx context.Context, name string) (Sketch, error) {
	var out Sketch
	err := c.do(ctx, http.MethodPost, c.baseURL+"/sketches/run?name="+url.QueryEscape(name), nil, &out)
	return out, err
}

// Stop terminates the sketch's running instance; wait bounds the grace period
// when positive.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) (Sketch, error) {
	u := c.baseURL + "/sketches/stop?name=" + url.QueryEscape(name)
	if wait > 0 {
		u += "&wait=" + wait.String()
	}
	var out Sketch
	err := c.do(ctx, http.MethodPost, u, nil, &out)
	return out, err
}

// List returns every sketch, liveness already reconciled by the daemon.
func (c *Client) List(ctx context.Context) ([]Sketch, error) {
	var out []Sketch
	err := c.do(ctx, http.MethodGet, c.baseURL+"/sketches", nil, &out)
	return out, err
}

// Delete stops and removes a sketch and its files.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/sketches?name="+url.QueryEscape(name), nil, nil)
}

// APIError carries the daemon's structured error body.
type APIError struct {
	StatusCode  int
	Kind        string
	Message     string
	Diagnostics string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "url", u, "err", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&er); derr != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: er.Kind, Message: er.Error, Diagnostics: er.Diagnostics}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
