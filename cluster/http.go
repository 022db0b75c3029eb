package cluster

import (
	"encoding/json"
	"net/http"
)

// registerRoutes installs the health surface on the wire server.
//
//	GET /        plain readiness probe
//	GET /ping    plain readiness probe
//	GET /_status JSON state document, always 200
//	GET /health  JSON state document, always 200
//	GET /metrics Prometheus exposition (when a registry is attached)
func (c *Cluster) registerRoutes() {
	plain := func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", "text/plain")
		if c.Ready() {
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte("Ready"))
			return err
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, err := w.Write([]byte("Service Unavailable"))
		return err
	}
	c.server.AddHandler(http.MethodGet, "/", plain)
	c.server.AddHandler(http.MethodGet, "/ping", plain)

	status := func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(c.Status())
	}
	c.server.AddHandler(http.MethodGet, "/_status", status)
	c.server.AddHandler(http.MethodGet, "/health", status)

	if c.registry != nil {
		handler := c.registry.Handler()
		c.server.AddHandler(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request) error {
			handler.ServeHTTP(w, r)
			return nil
		})
	}
}
