// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Configuration constants for the chat backend.
const (
	// DefaultBaseURL is the base URL of a locally-run backend.
	DefaultBaseURL = "http://localhost:5000"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// defaultRequestsPerSecond is the client-side rate limit. The backend
	// throttles per user; staying under its limit avoids surfacing 429s
	// to the person typing.
	defaultRequestsPerSecond = 2

	// defaultBurst lets a short flurry of requests through before the
	// limiter engages.
	defaultBurst = 4
)

// FailureText is the user-visible reply substituted when a stream fails
// before any content arrives.
const FailureText = "Sorry, the AI service is currently unavailable."

var (
	// ErrNoUsername indicates the client has no username configured.
	ErrNoUsername = errors.New("username not configured")
)

// Shared HTTP client with connection pooling for non-streaming requests.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	Timeout: DefaultTimeout,
}

// sharedStreamingClient is used for streaming requests. No client timeout:
// a reply stream stays open as long as the model keeps talking, so
// lifetime is controlled via context instead.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// TransportError represents a failed request: the server answered with a
// non-200 status before any stream bytes arrived, or the request never
// reached it.
type TransportError struct {
	Status  int // 0 when the request itself failed
	Message string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chat backend error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chat backend unreachable: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// ChatRequest is the body of a POST /api/chat request.
type ChatRequest struct {
	Message      string `json:"message"`
	Username     string `json:"username"`
	ChatID       string `json:"chat_id"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// memoryRequest is the body of the memory-management endpoints.
type memoryRequest struct {
	Username string `json:"username"`
	ChatID   string `json:"chat_id"`
}

// Client talks to the chat backend.
type Client struct {
	baseURL      string
	username     string
	systemPrompt string
	limiter      *rate.Limiter
	log          *slog.Logger

	// replaceable in tests
	httpClient   *http.Client
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit overrides the client-side request rate limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSystemPrompt attaches a default system prompt to every chat request
// that does not carry its own.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithHTTPClient overrides both HTTP clients. Test hook.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

// NewClient creates a Client for the backend at baseURL, authenticating
// as username.
func NewClient(baseURL, username string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:      baseURL,
		username:     username,
		limiter:      rate.NewLimiter(defaultRequestsPerSecond, defaultBurst),
		log:          slog.Default(),
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a message and returns the streaming response body. The caller
// owns the body and must close it; closing it mid-stream is how a reply is
// cancelled. Feed the body to NewDecoder to consume events.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if c.username == "" && req.Username == "" {
		return nil, ErrNoUsername
	}
	if req.Username == "" {
		req.Username = c.username
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = c.systemPrompt
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, req.Username)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Message: FailureText, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.log.Warn("chat request rejected",
			"status", resp.StatusCode,
			"body_len", len(body))
		return nil, &TransportError{Status: resp.StatusCode, Message: FailureText}
	}

	return resp.Body, nil
}

// ClearMemory asks the backend to drop its server-side memory for a
// conversation. Called when a conversation is deleted. Best-effort: the
// local delete proceeds whether or not this succeeds.
func (c *Client) ClearMemory(ctx context.Context, chatID string) error {
	return c.postJSON(ctx, "/api/clear_memory", memoryRequest{
		Username: c.username,
		ChatID:   chatID,
	})
}

// postJSON issues a fire-and-forget JSON POST to path.
func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, c.username)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Message: FailureText, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Status: resp.StatusCode, Message: FailureText}
	}
	return nil
}

// setHeaders applies the headers common to every backend request.
func (c *Client) setHeaders(req *http.Request, username string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+username)
	req.Header.Set("X-Request-ID", uuid.NewString())
}
