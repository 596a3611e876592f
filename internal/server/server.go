// Package server hosts the relay's WebSocket endpoint and the admin HTTP
// surface (metrics and health probes).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rookdaemon/agora-relay/internal/config"
	"github.com/rookdaemon/agora-relay/internal/relay"
	"github.com/rookdaemon/agora-relay/internal/store"
	"go.uber.org/zap"
)

// RelayServer wires dependencies and hosts the WebSocket endpoint.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	registry  *relay.Registry
	store     store.Store
	handler   *relay.Handler
	metrics   *relay.Metrics
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool

	mu        sync.Mutex
	conns     map[*wsConn]struct{}
	parentCtx context.Context
}

// NewRelayServer constructs a server with its dependencies. st may be nil
// when offline storage is not configured.
func NewRelayServer(cfg config.Config, logger *zap.Logger, reg *relay.Registry, st store.Store) *RelayServer {
	if reg == nil {
		reg = relay.NewRegistry(nil)
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		store:    st,
		conns:    make(map[*wsConn]struct{}),
	}
}

// Start boots the HTTP servers and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.startAdminServer(promReg)

	mux, err := s.buildMux(ctx, promReg)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpSrv.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// buildMux assembles the relay pipeline and the WebSocket route. Split from
// Start so tests can host the mux on an httptest server.
func (s *RelayServer) buildMux(ctx context.Context, promReg prometheus.Registerer) (*http.ServeMux, error) {
	s.metrics = relay.NewMetrics(promReg)
	router, err := relay.NewRouter(relay.RouterConfig{
		Log:      s.log,
		Registry: s.registry,
		Store:    s.store,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	s.handler = relay.NewHandler(s.log, router, s.metrics)
	s.upgrader = makeUpgrader(s.cfg.Server.AllowedOrigins)
	s.parentCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux, nil
}

func (s *RelayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	raw.SetReadLimit(s.cfg.Server.ReadLimit)

	conn := newWSConn(raw)
	sess, err := relay.NewSession(s.parentCtx, conn, s.cfg.Server.SendBuffer)
	if err != nil {
		s.log.Error("create session", zap.Error(err))
		_ = raw.Close()
		return
	}

	s.track(conn)
	defer s.untrack(conn)
	s.handler.Serve(sess)
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown stops accepting new connections, then closes live sessions.
// WebSocket connections are hijacked from the HTTP server, so they are
// closed explicitly here rather than by http.Server.Shutdown.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http server shutdown", zap.Error(err))
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.log.Info("relay stopped")
}

func (s *RelayServer) track(conn *wsConn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *RelayServer) untrack(conn *wsConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
