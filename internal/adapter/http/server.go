// Package http serves the health, metrics, REST and WebSocket endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/alerting"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/registry"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the connection table behind the WebSocket endpoint.
type Registry interface {
	Connect(ctx context.Context, conn registry.Conn, req registry.ConnectRequest) string
	Disconnect(ctx context.Context, id string) bool
	SubscribeLocation(ctx context.Context, id string, lat, lon float64) error
	UnsubscribeLocation(ctx context.Context, id string, lat, lon float64) error
	SubscribeCrop(id, crop string) error
	UnsubscribeCrop(id, crop string) error
	DisconnectByRecipientAndLocation(ctx context.Context, recipient string, lat, lon float64, crop string) int
	Stats() registry.Stats
}

// RiskService answers on-demand risk requests.
type RiskService interface {
	EvaluateRisk(ctx context.Context, lat, lon float64, crop, recipient string) (alerting.Assessment, error)
	Assess(obs domain.Observation, crop string) alerting.Assessment
}

// PushTokens stores device handles for push delivery.
type PushTokens interface {
	Register(ctx context.Context, r alerting.Recipient) error
	Forget(ctx context.Context, recipient string) error
}

// Notifier sends governed push notifications addressed to a recipient.
type Notifier interface {
	Notify(ctx context.Context, req alerting.NotificationRequest) (alerting.Outcome, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Ready          sharedobs.ReadinessChecker
	Registry       Registry
	Risk           RiskService
	Weather        domain.WeatherSource
	Tokens         PushTokens
	Notifications  Notifier
	AllowedOrigins []string // WebSocket origin patterns; empty allows same-origin only
	Logger         *slog.Logger
}

// Server exposes the HTTP surface of the service.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger

	// closing ends every WebSocket session on Shutdown. Hijacked connections
	// are not tracked by http.Server.
	mu        sync.Mutex
	closing   context.Context
	closeWS   context.CancelFunc
	wsClients sync.WaitGroup
}

// NewServer registers every route on a new mux.
func NewServer(addr string, deps Deps) *Server {
	mux := http.NewServeMux()
	closing, closeWS := context.WithCancel(context.Background())

	s := &Server{
		// Read and write deadlines would also bound hijacked WebSocket
		// connections, so only headers are time-limited.
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		deps:    deps,
		logger:  deps.Logger,
		closing: closing,
		closeWS: closeWS,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws/weather-alerts", s.handleWeatherAlerts)

	mux.HandleFunc("GET /api/v1/weather/current", s.handleCurrentWeather)
	mux.HandleFunc("GET /api/v1/weather/risk", s.handleRisk)
	mux.HandleFunc("POST /api/v1/weather/risk/test", s.handleRiskTest)
	mux.HandleFunc("GET /api/v1/ws/stats", s.handleStats)
	mux.HandleFunc("DELETE /api/v1/farms/subscriptions", s.handleFarmDeleted)
	mux.HandleFunc("PUT /api/v1/push-tokens", s.handleRegisterToken)
	mux.HandleFunc("DELETE /api/v1/push-tokens", s.handleForgetToken)
	mux.HandleFunc("POST /api/v1/notifications", s.handleNotify)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes WebSocket sessions, then drains HTTP connections within
// the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closeWS()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wsClients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("websocket sessions still open at shutdown deadline")
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
