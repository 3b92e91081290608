package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/metrics"
	apperrors "github.com/crisiscenter/crisis-relay/internal/pkg/errors"
)

// PublishRequest is the body of POST /v1/publish.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ReplayRequest is the body of POST /v1/replay.
type ReplayRequest struct {
	Since  time.Time `json:"since"`
	Topics []string  `json:"topics,omitempty"`
}

// requireAPIKey rejects requests without the configured X-API-Key.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.PublishAPIKey == "" {
		return next
	}
	want := []byte(s.cfg.PublishAPIKey)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("X-API-Key"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			apperrors.WriteError(w, apperrors.UnauthorizedError())
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	res, err := s.deps.Dispatcher.PublishDetailed(r.Context(), req.Topic, req.Kind, req.Payload)
	if err != nil {
		s.log.WithContext(r.Context()).Warn("Publish failed", "topic", req.Topic, "error", err)
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// connectionInfo returns c's snapshot with its topics attached.
func (s *Server) connectionInfo(c *connection.Connection) connection.Info {
	info := c.Info()
	info.Topics = s.deps.Router.Topics(c.Handle)
	sort.Strings(info.Topics)
	return info
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	var conns []*connection.Connection
	if identity := r.URL.Query().Get("identity"); identity != "" {
		conns = s.deps.Registry.ByIdentity(identity)
	} else {
		conns = s.deps.Registry.List()
	}

	infos := make([]connection.Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, s.connectionInfo(c))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].EstablishedAt.Before(infos[j].EstablishedAt)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": infos,
		"count":       len(infos),
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Registry.Get(r.PathValue("handle"))
	if c == nil {
		apperrors.WriteError(w, apperrors.NotFoundError("connection"))
		return
	}
	writeJSON(w, http.StatusOK, s.connectionInfo(c))
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	seq, err := s.deps.Dispatcher.CurrentSeq(r.Context(), topic)
	if err != nil {
		apperrors.WriteError(w, apperrors.Wrap(apperrors.CodeUnavailable, "sequence lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topic":       topic,
		"subscribers": s.deps.Router.SubscriberCount(topic),
		"seq":         seq,
		"policy":      s.deps.Dispatcher.PolicyFor(topic),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector != nil {
		stats, err := s.deps.Collector.Collect(r.Context())
		if err != nil {
			apperrors.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_connections": s.deps.Registry.Count(),
		"subscriptions":      s.deps.Router.SubscriptionCount(),
		"topics":             s.deps.Router.TopicCount(),
	})
}

// parseSince accepts an RFC 3339 timestamp or a duration back from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, apperrors.ValidationError("since must be an RFC 3339 time or a positive duration")
	}
	return now.Add(-d), nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil || !s.deps.EventLog.IsEnabled() {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("event log"))
		return
	}

	q := r.URL.Query()
	since, err := parseSince(q.Get("since"), time.Now())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			apperrors.WriteError(w, apperrors.ValidationError("limit must be between 1 and 10000"))
			return
		}
		limit = n
	}

	events, err := s.deps.EventLog.GetEvents(since, limit)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil || !s.deps.EventLog.IsEnabled() || s.deps.Bus == nil {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("event log"))
		return
	}

	var req ReplayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if req.Since.IsZero() {
		apperrors.WriteError(w, apperrors.ValidationError("since is required"))
		return
	}

	n, err := s.deps.EventLog.Replay(r.Context(), s.deps.Bus, req.Since, req.Topics...)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	s.log.WithContext(r.Context()).Info("Replayed logged events", "count", n, "since", req.Since)
	writeJSON(w, http.StatusOK, map[string]interface{}{"replayed": n})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presets":    metrics.GetAllPresets(),
		"categories": metrics.GetPresetsByCategory(),
	})
}

func (s *Server) handlePresetQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("metrics"))
		return
	}
	id := r.PathValue("id")
	if metrics.GetPreset(id) == nil {
		apperrors.WriteError(w, apperrors.NotFoundError("preset").WithDetail("id", id))
		return
	}
	s.runMetricQuery(w, metrics.MetricQuery{PresetID: id})
}

func (s *Server) handleMetricQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("metrics"))
		return
	}
	var q metrics.MetricQuery
	if err := decodeJSON(w, r, &q); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if q.PresetID == "" && len(q.Metrics) == 0 {
		apperrors.WriteError(w, apperrors.ValidationError("preset_id or metrics required"))
		return
	}
	s.runMetricQuery(w, q)
}

func (s *Server) runMetricQuery(w http.ResponseWriter, q metrics.MetricQuery) {
	result, err := s.deps.Metrics.ExecuteQuery(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady returns 503 while the server is starting or shutting down.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"connections": s.deps.Registry.Count(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    s.cfg.Version,
		"git_commit": s.cfg.Commit,
		"build_time": s.cfg.BuildDate,
		"go_version": runtime.Version(),
	})
}
