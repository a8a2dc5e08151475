package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	sessionHeaderName     = "X-Session"
	adminSecretHeaderName = "X-Admin-Secret"
	contentTypeHeaderName = "Content-Type"
	contentTypeJSON       = "application/json"
	defaultRequestTimeout = 15 * time.Second
)

// SessionReader exposes the current session credential, if any. The gateway
// never mutates the session; it only reads the latest value per request.
type SessionReader interface {
	Get(ctx context.Context) (string, bool, error)
}

// Client is the typed request wrapper shared by every networked component.
// It enforces the credential-header contract and the uniform error surface.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	sessions    SessionReader
	adminSecret string
	logger      *zap.Logger
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithSessionReader wires the session credential source.
func WithSessionReader(sessions SessionReader) ClientOption {
	return func(client *Client) {
		client.sessions = sessions
	}
}

// WithAdminSecret attaches the elevated operator credential to every request.
func WithAdminSecret(secret string) ClientOption {
	return func(client *Client) {
		client.adminSecret = secret
	}
}

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient wires a Client against the given base URL.
func NewClient(baseURL string, options ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// BaseURL returns the configured endpoint root.
func (client *Client) BaseURL() string {
	return client.baseURL
}

type rejectionBody struct {
	Detail string `json:"detail"`
}

// do issues one request. The session header is attached when a session is
// present and omitted otherwise; the server treats bare requests as
// anonymous. Non-success statuses become RequestError with the server detail
// message; transport failures become TransportError. A malformed success body
// decodes as an empty object so callers can apply their own defaults.
func (client *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set(contentTypeHeaderName, contentTypeJSON)
	if client.adminSecret != "" {
		request.Header.Set(adminSecretHeaderName, client.adminSecret)
	}
	if client.sessions != nil {
		session, present, sessionErr := client.sessions.Get(ctx)
		if sessionErr != nil {
			return sessionErr
		}
		if present {
			request.Header.Set(sessionHeaderName, session)
		}
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return &TransportError{Cause: err}
	}
	defer func() { _ = response.Body.Close() }()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return &TransportError{Cause: err}
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		message := genericRejectionMessage
		var rejection rejectionBody
		if decodeErr := json.Unmarshal(raw, &rejection); decodeErr == nil && rejection.Detail != "" {
			message = rejection.Detail
		}
		return &RequestError{Status: response.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if decodeErr := json.Unmarshal(raw, out); decodeErr != nil {
		// Payload-shape problems must not crash callers; the zero value
		// stands in for the missing fields.
		client.logger.Debug("lenient decode",
			zap.String("path", path),
			zap.Error(decodeErr),
		)
	}
	return nil
}
