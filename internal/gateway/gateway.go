// Package gateway is the network edge of the world runtime: a websocket
// endpoint for live sessions, an HTTP interact endpoint for request/response
// clients, and the shared dispatcher both ride on.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/health"
	"github.com/Aeonia-ai/gaia-world/internal/observe"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// shutdownGrace bounds the drain time for in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

// Server serves the websocket and HTTP surfaces on one listener.
type Server struct {
	addr       string
	verifier   TokenVerifier
	dispatcher *Dispatcher
	states     *state.Manager
	bus        *broadcast.Broadcaster

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics

	certFile string
	keyFile  string
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithHealth registers liveness and readiness endpoints.
func WithHealth(h *health.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves the given handler on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records gateway metrics on the given instruments.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithTLS serves HTTPS using the given PEM certificate pair.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// NewServer wires the gateway. The verifier gates every surface.
func NewServer(addr string, verifier TokenVerifier, dispatcher *Dispatcher, states *state.Manager, bus *broadcast.Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		verifier:   verifier,
		dispatcher: dispatcher,
		states:     states,
		bus:        bus,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /experience/interact", s.handleInteract)
	mux.HandleFunc("GET /experience/list", s.handleListExperiences)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// Run serves until ctx is cancelled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway: listening", "addr", s.addr, "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
