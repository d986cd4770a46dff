package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler wraps the router with request metrics and logging.
func (s *Server) Handler(requests *prometheus.CounterVec) http.Handler {
	s.Mux.Use(Metrics(requests))
	return Logging(s.Mux)
}

// NewMetricsMux serves /metrics for the given gatherer on its own port.
func NewMetricsMux(g prometheus.Gatherer) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return m
}
