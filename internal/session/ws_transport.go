package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a gorilla websocket connection to Transport.
type WSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSTransport wraps conn. Inbound messages larger than readLimit bytes
// fail the read.
func NewWSTransport(conn *websocket.Conn, readLimit int64) *WSTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WSTransport{conn: conn}
}

// ReadMessage implements Transport.
func (t *WSTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("reading websocket: %w", err)
	}
	return data, nil
}

// WriteMessage implements Transport. The context deadline bounds the write.
func (t *WSTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(deadlineOf(ctx)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing websocket: %w", err)
	}
	return nil
}

// Ping implements Transport.
func (t *WSTransport) Ping(ctx context.Context) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadlineOf(ctx))
}

// WriteClose implements Transport.
func (t *WSTransport) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// SetPongHandler implements Transport.
func (t *WSTransport) SetPongHandler(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// RemoteAddr implements Transport.
func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
