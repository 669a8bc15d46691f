// Package server exposes the tracking engine over HTTP and wires the
// application together.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
)

// Server 包装 http.Server，支持无 TLS 的 h2c 访问。
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New assembles the HTTP server: routes, rate limiting and h2c support.
func New(cfg config.Config, handler *Handler) *Server {
	limiter := newRateLimiter(
		time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond,
		cfg.RateLimit.Max,
	)

	mux := handler.Routes()
	root := limiter.middleware(mux)

	h2s := &http2.Server{}
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           h2c.NewHandler(root, h2s),
			ReadHeaderTimeout: 10 * time.Second,
			// Bulk runs can hold a request almost five minutes.
			WriteTimeout: 330 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: logger.Get().With("component", "server"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
