package metrics

import (
	"net/http"
	"strconv"
)

const expositionContentType = "text/plain; version=0.0.4; charset=utf-8"

// Handler serves the Prometheus text exposition. GET and HEAD only.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(m.ServeHTTP)
}

// ServeHTTP implements http.Handler.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := m.PrometheusFormat()
	w.Header().Set("Content-Type", expositionContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(body))
	}
}
