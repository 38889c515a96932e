package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrClosed is returned by Conn.Read when the peer closed the connection
// cleanly.
var ErrClosed = errors.New("connection closed")

// Conn is one established push connection.
type Conn interface {
	// Read blocks for the next inbound frame.
	Read(ctx context.Context) ([]byte, error)
	// Write sends msg. It may be called concurrently with Read.
	Write(ctx context.Context, msg Message) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the push server over WebSocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64 // zero means 1 MiB
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, b, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	return b, nil
}

func (w *wsConn) Write(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, w.c, msg)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
