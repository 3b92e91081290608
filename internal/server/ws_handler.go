package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	pkgctx "github.com/crisiscenter/crisis-relay/internal/pkg/context"
	apperrors "github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
	"github.com/crisiscenter/crisis-relay/internal/session"
)

// channelPaths are the /ws/{channel}/{id} prefixes that subscribe the new
// connection to {channel}:{id} on activation.
var channelPaths = map[string]bool{
	"incident": true,
	"ngo":      true,
	"gov":      true,
	"user":     true,
}

// initialTopics collects the channel topic from the path and any extra
// topics from ?topics=a,b. Topics are validated later by the router so that
// a bad one is reported to the client without refusing the connection.
func initialTopics(r *http.Request) ([]string, error) {
	var topics []string

	if channel := r.PathValue("channel"); channel != "" {
		if !channelPaths[channel] {
			return nil, apperrors.NotFoundError("channel").WithDetail("channel", channel)
		}
		topics = append(topics, channel+":"+r.PathValue("id"))
	}

	for _, raw := range r.URL.Query()["topics"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics, nil
}

// handleUpgrade authenticates the request, upgrades it and runs the session
// until it closes. Authentication failures are reported in-band with a
// closing{unauthorized} frame so browser clients can tell them apart from
// network errors.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithContext(r.Context())

	if !s.ready.Load() {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("relay"))
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		apperrors.WriteError(w, apperrors.InvalidRequestError("websocket upgrade required"))
		return
	}

	topics, err := initialTopics(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	principal, authErr := s.deps.Auth.Authenticate(r.Context(), r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Debug("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	transport := session.NewWSTransport(conn, security.MaxFrameSize)

	if authErr != nil {
		log.Info("Connection unauthorized", "remote_addr", r.RemoteAddr, "error", authErr)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordSessionRejected(protocol.ReasonUnauthorized)
		}
		session.Reject(transport, protocol.ReasonUnauthorized, s.cfg.Session.WriteTimeout)
		return
	}

	if !s.beginSession() {
		session.Reject(transport, protocol.ReasonServerShutdown, s.cfg.Session.WriteTimeout)
		return
	}
	defer s.sessions.Done()

	deps := session.Deps{
		Registry: s.deps.Registry,
		Router:   s.deps.Router,
		Log:      s.log,
	}
	if s.deps.Metrics != nil {
		deps.Metrics = s.deps.Metrics
	}

	ctx := pkgctx.WithPrincipal(s.sessionCtx, principal.Identity, principal.Role)
	sess := session.New(transport, s.cfg.Session, deps)
	if err := sess.Run(ctx, principal.Identity, principal.Role, topics); err != nil {
		log.Debug("Session refused", "identity", security.SanitizeForLog(principal.Identity), "error", err)
		return
	}
	log.Debug("Session finished",
		"identity", security.SanitizeForLog(principal.Identity),
		"reason", sess.CloseReason(),
	)
}
