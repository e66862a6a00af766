//go:build prometheus

package httpstatus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"

	m "github.com/ralph-fleet/ralphd/internal/metrics"
)

// Registry owns the process-wide Prometheus registry backing /metrics.
type Registry struct {
	reg *prom.Registry
}

// NewRegistry builds a registry with the standard Go/process collectors
// attached, for callers that want /metrics without also building their
// own Recorder via metrics.NewPrometheusRecorder.
func NewRegistry() *Registry {
	reg := prom.NewRegistry()
	reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	return &Registry{reg: reg}
}

// Raw exposes the underlying registry so a caller can register its own
// collectors (e.g. metrics.NewPrometheusRecorder(reg.Raw())) before
// Server.Start is called.
func (r *Registry) Raw() *prom.Registry { return r.reg }

func (s *Server) metricsHandler() http.Handler {
	if s.registry == nil {
		return http.NotFoundHandler()
	}
	return m.HTTPHandler(s.registry.reg)
}
