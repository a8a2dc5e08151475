package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	livenessPayload   = "ping"
	writeWaitDuration = 5 * time.Second
)

// Channel is one open push connection. Read blocks until a message or a
// channel-level error; only those errors drive state transitions.
type Channel interface {
	Read() ([]byte, error)
	Ping() error
	Close() error
}

// Dialer opens a push channel for a session credential.
type Dialer interface {
	Dial(ctx context.Context, sessionToken string) (Channel, error)
}

// WebsocketDialer opens channels against the backend's /ws endpoint with the
// session embedded in the connection URI.
type WebsocketDialer struct {
	baseURL string
}

// NewWebsocketDialer wires a dialer against an http(s) base URL.
func NewWebsocketDialer(baseURL string) (*WebsocketDialer, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	return &WebsocketDialer{baseURL: trimmed}, nil
}

// Dial performs the websocket handshake.
func (dialer *WebsocketDialer) Dial(ctx context.Context, sessionToken string) (Channel, error) {
	endpoint, err := dialer.endpoint(sessionToken)
	if err != nil {
		return nil, err
	}
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, &ChannelError{Cause: err}
	}
	return &websocketChannel{conn: conn}, nil
}

func (dialer *WebsocketDialer) endpoint(sessionToken string) (string, error) {
	parsed, err := url.Parse(dialer.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := url.Values{}
	query.Set("session", sessionToken)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type websocketChannel struct {
	conn *websocket.Conn
}

func (channel *websocketChannel) Read() ([]byte, error) {
	_, payload, err := channel.conn.ReadMessage()
	if err != nil {
		return nil, &ChannelError{Cause: err}
	}
	return payload, nil
}

func (channel *websocketChannel) Ping() error {
	deadline := time.Now().Add(writeWaitDuration)
	if err := channel.conn.SetWriteDeadline(deadline); err != nil {
		return &ChannelError{Cause: err}
	}
	if err := channel.conn.WriteMessage(websocket.TextMessage, []byte(livenessPayload)); err != nil {
		return &ChannelError{Cause: err}
	}
	return nil
}

func (channel *websocketChannel) Close() error {
	return channel.conn.Close()
}
