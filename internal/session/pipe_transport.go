package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PipeTransport is an in-memory Transport. The peer end is a PipeClient.
// Writes block once the client stops reading and the buffer is full, which
// makes it useful for exercising write timeouts.
type PipeTransport struct {
	toServer chan []byte
	toClient chan []byte

	closed     chan struct{}
	closeOnce  sync.Once
	peerClosed chan struct{}
	peerOnce   sync.Once

	mu         sync.Mutex
	pong       func()
	closeCode  int
	closeText  string
	autoPong   atomic.Bool
	pingCount  atomic.Int32
	remoteAddr string
}

// PipeClient is the client side of a PipeTransport.
type PipeClient struct {
	t *PipeTransport
}

// NewPipe creates a connected transport and client. buffer bounds the number
// of unread frames in each direction.
func NewPipe(buffer int) (*PipeTransport, *PipeClient) {
	t := &PipeTransport{
		toServer:   make(chan []byte, buffer),
		toClient:   make(chan []byte, buffer),
		closed:     make(chan struct{}),
		peerClosed: make(chan struct{}),
		remoteAddr: "pipe",
	}
	t.autoPong.Store(true)
	return t, &PipeClient{t: t}
}

// ReadMessage implements Transport.
func (t *PipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.toServer:
		return data, nil
	case <-t.peerClosed:
		return nil, ErrPeerClosed
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage implements Transport.
func (t *PipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-t.peerClosed:
		return ErrPeerClosed
	default:
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case t.toClient <- frame:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping implements Transport. With auto-pong on, the pong handler runs at once.
func (t *PipeTransport) Ping(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.pingCount.Add(1)
	if t.autoPong.Load() {
		t.mu.Lock()
		fn := t.pong
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return nil
}

// WriteClose implements Transport.
func (t *PipeTransport) WriteClose(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCode = code
	t.closeText = reason
	return nil
}

// SetPongHandler implements Transport.
func (t *PipeTransport) SetPongHandler(fn func()) {
	t.mu.Lock()
	t.pong = fn
	t.mu.Unlock()
}

// RemoteAddr implements Transport.
func (t *PipeTransport) RemoteAddr() string {
	return t.remoteAddr
}

// Close implements Transport.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Closed is closed once the server side closed the transport.
func (t *PipeTransport) Closed() <-chan struct{} {
	return t.closed
}

// CloseFrame returns the close code and reason written by the server.
func (t *PipeTransport) CloseFrame() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeText
}

// Pings returns how many pings the server sent.
func (t *PipeTransport) Pings() int {
	return int(t.pingCount.Load())
}

// Send delivers a frame to the server.
func (c *PipeClient) Send(data []byte) {
	select {
	case c.t.toServer <- data:
	case <-c.t.closed:
	}
}

// Recv waits up to timeout for the next frame from the server.
func (c *PipeClient) Recv(timeout time.Duration) ([]byte, bool) {
	select {
	case data := <-c.t.toClient:
		return data, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close closes the client end as a clean remote close.
func (c *PipeClient) Close() {
	c.t.peerOnce.Do(func() { close(c.t.peerClosed) })
}

// SetAutoPong controls whether server pings are answered.
func (c *PipeClient) SetAutoPong(on bool) {
	c.t.autoPong.Store(on)
}
