// Package gateway is the HTTP client for the Bee conversational backend.
//
// The backend is stateless from the client's point of view: every chat call
// carries the profile, the full transcript and the session id.
package gateway

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
	"strings"
	"time"

	"github.com/BTreeMap/BeeWell/internal/models"
)

// Constants for backend client configuration
const (
	// DefaultBaseURL is the hosted Bee backend.
	DefaultBaseURL = "https://bee-well-backend.onrender.com"
	// DefaultProbeTimeout bounds health and continuity probes.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultReply replaces an empty or missing response field.
	DefaultReply = "I'm having trouble processing that right now. Could you try rephrasing?"
	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// Backend endpoints
const (
	PathHealth   = "/"
	PathUserData = "/api/userdata"
	PathChat     = "/api/chat"
)

// ErrInvalidJSON is wrapped in a NetworkError when a 2xx body is not JSON.
var ErrInvalidJSON = errors.New("response body is not valid JSON")

// Opts holds configuration options for the backend client.
type Opts struct {
	BaseURL      string
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
}

// Option defines a configuration option for the backend client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithHTTPClient replaces the HTTP client used for all calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithProbeTimeout sets the timeout applied to health and continuity probes.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ProbeTimeout = d
	}
}

// Client calls the Bee backend.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration
}

// Ack is the result of a successful profile submission.
type Ack struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message     string             `json:"message"`
	UserData    models.UserProfile `json:"user_data"`
	ChatHistory models.Transcript  `json:"chat_history"`
	SessionID   string             `json:"session_id"`
}

// ChatReply is a backend answer with defaults applied.
type ChatReply struct {
	Agent    string `json:"agent"`
	Response string `json:"response"`
}

// NewClient creates a backend client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, ProbeTimeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		// No overall timeout: the chat call waits as long as the context allows.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	slog.Debug("gateway.NewClient: configured", "base_url", base, "probe_timeout", cfg.ProbeTimeout)
	return &Client{baseURL: base, http: cfg.HTTPClient, probeTimeout: cfg.ProbeTimeout}, nil
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health performs GET / and expects a 2xx JSON body.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	body, _, err := c.do(ctx, "health", http.MethodGet, PathHealth, nil)
	if err != nil {
		return err
	}
	if !json.Valid(body) {
		return &NetworkError{Op: "health", Err: ErrInvalidJSON}
	}
	slog.Debug("Client.Health: backend reachable", "body", truncate(string(body), 200))
	return nil
}

// SubmitProfile posts the profile to /api/userdata. Only the status is checked.
func (c *Client) SubmitProfile(ctx context.Context, profile models.UserProfile) (*Ack, error) {
	body, status, err := c.do(ctx, "userdata", http.MethodPost, PathUserData, profile)
	if err != nil {
		slog.Error("Client.SubmitProfile: failed", "error", err, "userName", profile.UserName)
		return nil, err
	}
	ack := &Ack{Status: status}
	if json.Valid(body) {
		ack.Body = json.RawMessage(body)
	}
	slog.Debug("Client.SubmitProfile: accepted", "userName", profile.UserName)
	return ack, nil
}

// SendChatMessage posts one turn with its full context to /api/chat.
func (c *Client) SendChatMessage(ctx context.Context, message string, profile models.UserProfile, transcript models.Transcript, sessionID string) (*ChatReply, error) {
	if transcript == nil {
		transcript = models.Transcript{}
	}
	req := ChatRequest{Message: message, UserData: profile, ChatHistory: transcript, SessionID: sessionID}
	slog.Debug("Client.SendChatMessage: sending", "sessionID", sessionID, "history", len(transcript))

	body, _, err := c.do(ctx, "chat", http.MethodPost, PathChat, req)
	if err != nil {
		slog.Error("Client.SendChatMessage: failed", "error", err, "sessionID", sessionID)
		return nil, err
	}

	var reply ChatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, &NetworkError{Op: "chat", Err: errors.Join(ErrInvalidJSON, err)}
	}
	if reply.Agent == "" {
		reply.Agent = models.AgentTherapist
	}
	if reply.Response == "" {
		reply.Response = DefaultReply
	}
	slog.Debug("Client.SendChatMessage: reply received", "sessionID", sessionID, "agent", reply.Agent)
	return &reply, nil
}

// CheckContinuity is the best-effort probe run after a session is restored.
// It is bounded by the probe timeout and never retried.
func (c *Client) CheckContinuity(ctx context.Context, profile models.UserProfile, transcript models.Transcript, sessionID string) error {
	slog.Debug("Client.CheckContinuity: probing backend", "sessionID", sessionID, "userName", profile.UserName, "history", len(transcript))
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("continuity check for %s: %w", sessionID, err)
	}
	return nil
}

// do sends one JSON request and returns the body and status of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("gateway %s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, &ServerError{Op: op, Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
