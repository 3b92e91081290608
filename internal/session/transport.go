package session

import (
	"context"
	stderrors "errors"
)

// Transport is a message-framed bidirectional connection.
//
// ReadMessage is called from one goroutine only. WriteMessage, Ping and
// WriteClose are called from the session's writer, and WriteClose may also
// be called during rejection before any loop starts. Close unblocks a
// pending ReadMessage.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	WriteClose(code int, reason string) error
	SetPongHandler(fn func())
	RemoteAddr() string
	Close() error
}

// Close codes used on the wire.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	ClosePolicy      = 1008
	CloseInternalErr = 1011
)

var (
	// ErrPeerClosed is returned by ReadMessage when the remote side closed cleanly.
	ErrPeerClosed = stderrors.New("session: peer closed the connection")
	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = stderrors.New("session: transport closed")
)
