// Package server exposes the bot's operator API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables bearer/X-API-Key authentication when set.
	APIKey             string
	RateLimitPerMinute int
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Trades    *handler.TradeHandler
	Risk      *handler.RiskHandler
	Signals   *handler.SignalHandler
	Archives  *handler.ArchiveHandler
	Metrics   http.Handler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain. Health and
// metrics stay outside authentication.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))

	api := http.NewServeMux()
	if h.Status != nil {
		api.HandleFunc("GET /api/status", h.Status.GetStatus)
		api.HandleFunc("GET /api/executor/stats", h.Status.GetStats)
	}
	if h.Orders != nil {
		api.HandleFunc("GET /api/orders", h.Orders.ListOrders)
		api.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
		api.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)
		api.HandleFunc("GET /api/fills", h.Orders.ListFills)
	}
	if h.Positions != nil {
		api.HandleFunc("GET /api/positions", h.Positions.ListPositions)
		api.HandleFunc("POST /api/positions/{symbol}/close", h.Positions.ClosePosition)
	}
	if h.Trades != nil {
		api.HandleFunc("GET /api/trades", h.Trades.ListTrades)
	}
	if h.Risk != nil {
		api.HandleFunc("GET /api/margin", h.Risk.GetMargin)
		api.HandleFunc("GET /api/guard", h.Risk.GetGuard)
		api.HandleFunc("GET /api/reconcile", h.Risk.GetReconcile)
		api.HandleFunc("POST /api/reconcile", h.Risk.RunReconcile)
	}
	if h.Signals != nil {
		api.HandleFunc("POST /api/signals", h.Signals.SubmitSignal)
	}
	if h.Archives != nil {
		api.HandleFunc("GET /api/archives", h.Archives.ListArchives)
		api.HandleFunc("POST /api/archives", h.Archives.RunArchive)
	}
	if hub != nil {
		api.HandleFunc("GET /ws", hub.HandleWS)
	}

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKey)(protected)
	protected = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(protected)

	root := http.NewServeMux()
	if h.Health != nil {
		root.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Metrics != nil {
		root.Handle("GET /metrics", h.Metrics)
	}
	root.Handle("/", protected)

	var chain http.Handler = root
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      chain,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully within ten
// seconds.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
