//go:build !prometheus

package httpstatus

import "net/http"

// Registry is a no-op placeholder when built without the prometheus tag.
type Registry struct{}

// NewRegistry returns nil; Server.metricsHandler reports 404 in that case.
func NewRegistry() *Registry { return nil }

func (s *Server) metricsHandler() http.Handler {
	return http.NotFoundHandler()
}
