// Package api implements the HTTP surface of the relief dispatch service.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"reliefdispatch/internal/auth"
	"reliefdispatch/internal/config"
	"reliefdispatch/internal/events"
	"reliefdispatch/internal/metrics"
	"reliefdispatch/internal/service"
	"reliefdispatch/internal/store"
)

// RootMessage is returned by GET /.
const RootMessage = "Disaster Resource Allocation API"

type Server struct {
	Svc      *service.Assignments
	Webhooks store.Webhooks // nil disables subscription endpoints
	Auth     *auth.Verifier
	Broker   events.Broker
	Config   config.Config
	Log      *slog.Logger

	// Heartbeat is the idle interval between stream keepalives.
	Heartbeat time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg config.Config, svc *service.Assignments, hooks store.Webhooks, broker events.Broker) *Server {
	return &Server{
		Svc:       svc,
		Webhooks:  hooks,
		Auth:      auth.NewVerifier(cfg.Auth),
		Broker:    broker,
		Config:    cfg,
		Log:       slog.Default(),
		Heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
	}
}

// CloseStreams ends every open SSE and websocket stream. Register it with
// http.Server.RegisterOnShutdown so streams do not hold up a graceful shutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() {
		if s.closing != nil {
			close(s.closing)
		}
	})
}

// streamsClosed is nil (never ready) for servers not built by NewServer.
func (s *Server) streamsClosed() <-chan struct{} {
	return s.closing
}

// Handler returns the routed handler with request id, logging, metrics and rate limiting applied.
// JSON endpoints are gzip-compressed; stream endpoints are not.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/", s.RootHandler)
	api.HandleFunc("/v1/areas", s.AreasHandler)
	api.HandleFunc("/v1/trucks", s.TrucksHandler)
	api.HandleFunc("/v1/assignments", s.AssignmentsHandler)
	// unversioned paths used by existing clients
	api.HandleFunc("/api/areas", s.AreasHandler)
	api.HandleFunc("/api/trucks", s.TrucksHandler)
	api.HandleFunc("/api/assignments", s.AssignmentsHandler)
	api.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	api.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	api.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	api.HandleFunc("/v1/admin/run-metrics", s.RunMetricsHandler)
	api.HandleFunc("/debug/info", s.DebugJSON)
	api.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	api.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	api.HandleFunc("/docs", s.DocsHandler)
	api.HandleFunc("/swagger", s.SwaggerHandler)

	mux := http.NewServeMux()
	mux.Handle("/", gzhttp.GzipHandler(api))
	mux.HandleFunc("/v1/assignments/stream", s.AssignmentsStreamHandler)
	mux.HandleFunc("/v1/assignments/ws", s.AssignmentsWSHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metrics.Handler())

	var h http.Handler = mux
	proxies, err := s.Config.RateLimit.ProxyPrefixes()
	if err != nil {
		s.logger().Warn("ignoring trusted proxies", "err", err)
	}
	h = withRateLimit(newRateLimiter(s.Config.RateLimit.RPS, s.Config.RateLimit.Burst, proxies), h)
	h = withObservability(s.logger(), h)
	h = withRequestID(h)
	return h
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) heartbeat() time.Duration {
	if s.Heartbeat > 0 {
		return s.Heartbeat
	}
	return 15 * time.Second
}
