// Package session runs one client connection through its lifecycle:
// connecting, active, draining, closed.
//
// A session owns three goroutines: a reader that decodes inbound commands,
// a writer that drains the connection's outbox to the transport and sends
// pings, and a supervisor that performs the drain when any trigger fires.
// Triggers (registry sweep, slow consumer, duplicate eviction, transport
// errors, remote close, shutdown) only request a drain; the first request's
// reason wins and the connection state's compare-and-set makes teardown run
// exactly once.
package session

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/outbox"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/pkg/middleware"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
	"github.com/crisiscenter/crisis-relay/internal/router"
)

// Config holds session timings and limits.
type Config struct {
	HeartbeatInterval time.Duration
	DrainGrace        time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	InboundRate       float64
	InboundBurst      int
}

// ConfigFrom extracts session settings from the realtime configuration.
func ConfigFrom(rc config.RealtimeConfig) Config {
	return Config{
		HeartbeatInterval: rc.HeartbeatInterval,
		DrainGrace:        rc.DrainGrace,
		HandshakeTimeout:  rc.HandshakeTimeout,
		WriteTimeout:      rc.WriteTimeout,
		InboundRate:       rc.InboundRate,
		InboundBurst:      rc.InboundBurst,
	}
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// MetricsRecorder receives session statistics.
type MetricsRecorder interface {
	RecordCommand(op, code string)
	RecordSessionClosed(reason string, lifetime time.Duration)
}

// Deps are the shared components a session works against.
type Deps struct {
	Registry *connection.Registry
	Router   *router.Router
	Metrics  MetricsRecorder
	Log      *logger.Logger
}

// Session is one client connection.
type Session struct {
	cfg       Config
	deps      Deps
	transport Transport
	log       *logger.Logger
	limiter   *middleware.CommandLimiter

	conn *connection.Connection

	drainReq    chan struct{}
	drainReason atomic.Pointer[string]
	broken      atomic.Bool
	flushed     chan struct{}
	flushOnce   atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	closeReason string
}

// New creates a session over t.
func New(t Transport, cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	if deps.Log == nil {
		deps.Log = logger.Default()
	}
	return &Session{
		cfg:       cfg,
		deps:      deps,
		transport: t,
		log:       deps.Log,
		limiter:   middleware.NewCommandLimiter(cfg.InboundRate, cfg.InboundBurst),
		drainReq:  make(chan struct{}, 1),
		flushed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run registers the session and serves it until it is closed. It returns
// the registration error when the connection is refused, nil otherwise.
// topics are subscribed on activation; failures are reported to the client
// as error frames.
func (s *Session) Run(ctx context.Context, identity, role string, topics []string) error {
	defer close(s.done)

	regCtx, cancelReg := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, err := s.deps.Registry.Register(regCtx, connection.RegisterRequest{
		Identity:   identity,
		Role:       role,
		RemoteAddr: s.transport.RemoteAddr(),
		Closer:     s.Drain,
	})
	cancelReg()
	if err != nil {
		reason := protocol.ReasonUnauthorized
		switch errors.CodeOf(err) {
		case errors.CodeDuplicateIdentity:
			reason = protocol.ReasonDuplicateIdentity
		case errors.CodeTimeout:
			reason = protocol.ReasonHandshakeTimeout
		}
		s.log.Info("Session refused", "identity", security.SanitizeForLog(identity), "reason", reason, "error", err)
		Reject(s.transport, reason, s.cfg.WriteTimeout)
		return err
	}

	s.conn = conn
	s.log = s.log.WithConnection(conn.Handle, conn.Identity)
	s.transport.SetPongHandler(s.onPong)

	s.pushControl(protocol.EncodeWelcome(conn.Handle, conn.Identity, conn.Role, s.cfg.HeartbeatInterval))
	for _, topic := range topics {
		if err := s.deps.Router.Subscribe(conn, topic); err != nil {
			s.pushControl(protocol.EncodeError(0, errors.CodeOf(err), messageOf(err)))
		}
	}

	s.log.Info("Session active", "role", role, "initial_topics", len(topics))

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.supervise(ctx, gctx) })
	_ = g.Wait()

	return nil
}

// Drain asks the session to flush and close. It never blocks; only the
// first reason is kept.
func (s *Session) Drain(reason string) {
	r := reason
	s.drainReason.CompareAndSwap(nil, &r)
	select {
	case s.drainReq <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Connection returns the registered connection, or nil before registration.
func (s *Session) Connection() *connection.Connection {
	return s.conn
}

// CloseReason returns why the session closed.
func (s *Session) CloseReason() string {
	<-s.done
	return s.closeReason
}

func (s *Session) reason() string {
	if r := s.drainReason.Load(); r != nil {
		return *r
	}
	return protocol.ReasonServerShutdown
}

func (s *Session) supervise(parent, ctx context.Context) error {
	for {
		select {
		case <-s.drainReq:
			s.drain(s.reason())
			return nil
		case <-parent.Done():
			s.Drain(protocol.ReasonServerShutdown)
			parent = context.Background()
		case <-ctx.Done():
			return nil
		}
	}
}

// drain moves active -> draining, flushes the outbox within the grace
// period and closes the session.
func (s *Session) drain(reason string) {
	if s.conn.Transition(connection.StateActive, connection.StateDraining) {
		s.log.Info("Session draining", "reason", reason)

		if s.broken.Load() {
			s.conn.Outbox.Close()
		} else if s.conn.Outbox.Seal(protocol.EncodeClosing(reason)) == outbox.Full {
			s.conn.Outbox.Close()
		}

		timer := time.NewTimer(s.cfg.DrainGrace)
		select {
		case <-s.flushed:
		case <-timer.C:
			s.log.Warn("Drain grace expired, forcing close", "reason", reason, "pending", s.conn.Outbox.Len())
		}
		timer.Stop()
	}
	s.close(reason)
}

// close is the terminal transition. Only the winner of the state
// compare-and-set tears down.
func (s *Session) close(reason string) {
	if !s.conn.MarkClosed() {
		return
	}
	s.closeReason = reason

	s.conn.Outbox.Close()
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.transport.Close()
	s.deps.Registry.Remove(s.conn.Handle, reason)

	lifetime := time.Since(s.conn.EstablishedAt)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionClosed(reason, lifetime)
	}
	s.log.Info("Session closed", "reason", reason, "lifetime", lifetime.Round(time.Millisecond), "dropped", s.conn.Outbox.Dropped())
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if s.conn.State() == connection.StateActive {
				if stderrors.Is(err, ErrPeerClosed) {
					s.Drain(protocol.ReasonClientClose)
				} else {
					s.log.Debug("Read failed", "error", err)
					s.broken.Store(true)
					s.Drain(protocol.ReasonTransportFailure)
				}
			}
			return nil
		}

		// Draining sessions accept no new commands.
		if s.conn.State() != connection.StateActive {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	now := time.Now()
	s.conn.Touch(now)

	cmd, err := protocol.DecodeCommand(data)
	if !s.limiter.Allow() {
		retry := int(s.limiter.RetryAfter().Seconds()) + 1
		s.reject(cmd, errors.RateLimitedError(retry))
		return
	}
	if err != nil {
		s.reject(cmd, err)
		return
	}

	switch cmd.Op {
	case protocol.OpSubscribe:
		err = s.deps.Router.Subscribe(s.conn, cmd.Topic)
	case protocol.OpUnsubscribe:
		s.deps.Router.Unsubscribe(s.conn.Handle, cmd.Topic)
	case protocol.OpHeartbeat:
		err = s.deps.Registry.Heartbeat(s.conn.Handle, now)
	case protocol.OpPing:
		s.pushControl(protocol.EncodePong(cmd.ID))
		s.recordCommand(cmd.Op, "")
		return
	}

	if err != nil {
		s.reject(cmd, err)
		return
	}
	s.pushControl(protocol.EncodeAck(cmd))
	s.recordCommand(cmd.Op, "")
}

func (s *Session) reject(cmd protocol.Command, err error) {
	code := errors.CodeOf(err)
	s.log.Debug("Command rejected", "op", cmd.Op, "code", code, "error", err)
	s.pushControl(protocol.EncodeError(cmd.ID, code, messageOf(err)))
	s.recordCommand(cmd.Op, code)
}

func (s *Session) recordCommand(op, code string) {
	if s.deps.Metrics != nil {
		if op == "" {
			op = "invalid"
		}
		s.deps.Metrics.RecordCommand(op, code)
	}
}

// pushControl queues a control frame. A queue that holds nothing but
// unread control frames marks a client that is not reading.
func (s *Session) pushControl(frame []byte) {
	if s.conn.Outbox.PushControl(frame) == outbox.Full {
		s.Drain(protocol.ReasonSlowConsumer)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	q := s.conn.Outbox
	for {
		sealed := q.IsClosed()
		for {
			frame, ok := q.Pop()
			if !ok {
				break
			}
			if err := s.write(ctx, frame); err != nil {
				if ctx.Err() == nil {
					s.log.Debug("Write failed", "error", err)
					s.broken.Store(true)
					s.Drain(protocol.ReasonTransportFailure)
				}
				s.markFlushed()
				return nil
			}
		}
		if sealed {
			if !s.broken.Load() {
				_ = s.transport.WriteClose(closeCodeFor(s.reason()), s.reason())
			}
			s.markFlushed()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.Ready():
		case <-ticker.C:
			if s.conn.State() != connection.StateActive {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := s.transport.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.broken.Store(true)
				s.Drain(protocol.ReasonTransportFailure)
			}
		}
	}
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.transport.WriteMessage(wctx, frame)
}

func (s *Session) markFlushed() {
	if s.flushOnce.CompareAndSwap(false, true) {
		close(s.flushed)
	}
}

func (s *Session) onPong() {
	if err := s.deps.Registry.Heartbeat(s.conn.Handle, time.Now()); err != nil {
		s.log.Debug("Pong for unregistered connection", "error", err)
	}
}

// Reject writes a closing frame and closes t. Used when a connection is
// refused before it becomes active.
func Reject(t Transport, reason string, writeTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_ = t.WriteMessage(ctx, protocol.EncodeClosing(reason))
	_ = t.WriteClose(closeCodeFor(reason), reason)
	_ = t.Close()
}

func closeCodeFor(reason string) int {
	switch reason {
	case protocol.ReasonClientClose:
		return CloseNormal
	case protocol.ReasonServerShutdown:
		return CloseGoingAway
	case protocol.ReasonUnauthorized, protocol.ReasonDuplicateIdentity, protocol.ReasonSlowConsumer:
		return ClosePolicy
	default:
		return CloseInternalErr
	}
}

func messageOf(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
