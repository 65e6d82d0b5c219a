package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hallway/satchel/internal/domain"
)

// maxResponseBody caps how much of a response is read when decoding.
const maxResponseBody = 10 << 20 // 10 MiB

// envelope is the uniform response shape of every API endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// endpoint is a method and path on the backend.
type endpoint struct {
	method string
	path   string
}

func (e endpoint) String() string {
	return e.method + " " + e.path
}

// endpoints maps each mutation kind to where it is delivered.
var endpoints = map[domain.MutationKind]endpoint{
	domain.MutationSwipe:       {http.MethodPost, "/api/swipe"},
	domain.MutationConnection:  {http.MethodPost, "/api/connections"},
	domain.MutationMessage:     {http.MethodPost, "/api/messages"},
	domain.MutationEventCreate: {http.MethodPost, "/api/ugc/events/create"},
}

// ClientConfig configures a Client. BaseURL is required.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client // defaults to a client with a 30s timeout
	Logger     *slog.Logger
}

// Client speaks the backend's JSON API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
	}

	c := &Client{
		base:   base,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Deliver sends one queued mutation to its endpoint and returns the
// envelope data on success. The mutation's idempotency key travels in
// the Idempotency-Key header, so redelivery after a lost ack is safe.
//
// Failures are classified: 409 and 422 return a terminal conflict, 400
// a terminal invalid-request, everything else (transport errors,
// timeouts, other statuses, and a 2xx whose envelope reports
// success=false) returns a transient error.
func (c *Client) Deliver(ctx context.Context, m domain.Mutation) (json.RawMessage, error) {
	ep, ok := endpoints[m.Kind]
	if !ok {
		return nil, fmt.Errorf("no endpoint for mutation kind %q", m.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, ep.method, c.resolve(ep.path), bytes.NewReader(m.Payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", m.IdempotencyKey)
	}

	return c.do(req, ep)
}

// Get performs a GET against an API path and returns the envelope data.
func (c *Client) Get(ctx context.Context, apiPath string) (json.RawMessage, error) {
	ep := endpoint{http.MethodGet, apiPath}
	req, err := http.NewRequestWithContext(ctx, ep.method, c.resolve(apiPath), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, ep)
}

// Version asks the backend which build it is currently serving.
func (c *Client) Version(ctx context.Context) (string, error) {
	data, err := c.Get(ctx, "/api/version")
	if err != nil {
		return "", err
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode version payload: %w", err)
	}
	if payload.Version == "" {
		return "", fmt.Errorf("version payload is empty")
	}
	return payload.Version, nil
}

// Ping probes connectivity with a HEAD to the parties endpoint. Any
// response at all, whatever its status, means the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.resolve("/api/parties"), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Endpoint: "HEAD /api/parties", err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) resolve(apiPath string) string {
	ref, err := url.Parse(apiPath)
	if err != nil {
		// Malformed paths surface as request build errors downstream.
		return c.base.String() + apiPath
	}
	return c.base.ResolveReference(ref).String()
}

// do executes the request and decodes the envelope.
func (c *Client) do(req *http.Request, ep endpoint) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Endpoint: ep.String(), err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Endpoint: ep.String(), StatusCode: resp.StatusCode,
			err: fmt.Errorf("read response body: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		e := &Error{Kind: KindConflict, Endpoint: ep.String(), StatusCode: resp.StatusCode}
		if decodeErr == nil {
			e.Message = env.Error
		}
		return nil, e

	case resp.StatusCode == http.StatusBadRequest:
		e := &Error{Kind: KindInvalid, Endpoint: ep.String(), StatusCode: resp.StatusCode}
		if decodeErr == nil {
			e.Message = env.Error
		}
		return nil, e

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		e := &Error{Kind: KindTransient, Endpoint: ep.String(), StatusCode: resp.StatusCode}
		if decodeErr == nil {
			e.Message = env.Error
		}
		return nil, e

	case decodeErr != nil:
		return nil, &Error{Kind: KindTransient, Endpoint: ep.String(), StatusCode: resp.StatusCode,
			err: fmt.Errorf("decode envelope: %w", decodeErr)}

	case !env.Success:
		// A 2xx that reports failure is a server inconsistency; treat it
		// as retryable rather than dropping the mutation.
		return nil, &Error{Kind: KindTransient, Endpoint: ep.String(), StatusCode: resp.StatusCode,
			Message: env.Error}
	}

	return env.Data, nil
}
