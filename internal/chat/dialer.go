package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// URLFunc builds the channel endpoint for a credential.
type URLFunc func(credential string) (string, error)

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	URL        URLFunc
	HTTPClient *http.Client
}

// NewWebSocketDialer returns a dialer that resolves endpoints with url.
func NewWebSocketDialer(url URLFunc, httpClient *http.Client) *WebSocketDialer {
	return &WebSocketDialer{URL: url, HTTPClient: httpClient}
}

func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	u, err := d.URL(credential)
	if err != nil {
		return nil, fmt.Errorf("chat url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation {
			return nil, fmt.Errorf("%w: %s", ErrRejected, ce.Reason)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
