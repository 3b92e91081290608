package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// WatchOptions selects what a Watch subscribes to.
type WatchOptions struct {
	// Channel and ID subscribe through /ws/{channel}/{id}; both or neither.
	Channel string
	ID      string

	// Topics are extra initial subscriptions.
	Topics []string

	// Identity and Role are sent as query parameters for servers running in
	// insecure auth mode.
	Identity string
	Role     string

	HandshakeTimeout time.Duration
}

// ClosedError reports why the server closed a watch.
type ClosedError struct {
	Reason string // from the closing frame, if one arrived
	Code   int
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed: %s (code %d)", e.Reason, e.Code)
}

// FrameHandler receives every frame of a watch. Returning an error ends it.
type FrameHandler func(protocol.Envelope) error

// StreamURL builds the websocket URL for opts.
func (c *Client) StreamURL(opts WatchOptions) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if opts.Channel != "" {
		if opts.ID == "" {
			return "", fmt.Errorf("channel %q needs an id", opts.Channel)
		}
		u.Path += "/" + url.PathEscape(opts.Channel) + "/" + url.PathEscape(opts.ID)
	}

	q := u.Query()
	if len(opts.Topics) > 0 {
		q.Set("topics", strings.Join(opts.Topics, ","))
	}
	if opts.Identity != "" {
		q.Set("identity", opts.Identity)
	}
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Watch opens a stream and passes each frame to handle until ctx ends, the
// handler fails or the server closes the connection. A server close is
// reported as *ClosedError.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, handle FrameHandler) error {
	streamURL, err := c.StreamURL(opts)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: HTTP %d: %w", streamURL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, protocol.ReasonClientClose), deadline)
		_ = conn.SetReadDeadline(deadline)
	})
	defer stop()

	var reason string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return &ClosedError{Reason: reason, Code: closeErr.Code}
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("malformed frame: %w", err)
		}
		if env.Type == protocol.TypeClosing {
			reason = env.Reason
		}
		if err := handle(env); err != nil {
			return err
		}
	}
}
