// Package httpapi hosts the control-plane HTTP surface (§4.K): the
// connect endpoint (step 1 negotiation and the step-2 WebSocket
// upgrade on the same path), the discovery endpoint, and the
// unauthenticated well-known endpoint. Adapted from the teacher's
// cmd/main.go router wiring and internal/middleware.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/discovery"
	"github.com/vncache/vncache/internal/listener"
	"github.com/vncache/vncache/internal/logger"
	"github.com/vncache/vncache/internal/peerqueue"
)

// Paths names the configurable route paths (§6).
type Paths struct {
	Connect   string
	Discovery string
	WellKnown string
}

// Config is everything the control server needs beyond the shared
// collaborators (keystore, table, queues, monitor).
type Config struct {
	Paths       Paths
	Limits      authn.BufferLimits
	VerifyIP    bool
	MaxConns    int
	SelfAd      authn.Advertisement
	DiscoveryFn func() []authn.Advertisement // returns peers for the discovery response
}

// Server wires component D (negotiation), E (the per-connection
// dispatcher), G (the peer monitor), and I (well-known/discovery) onto
// one gin engine.
type Server struct {
	engine *gin.Engine

	keystore *authn.KeyStore
	table    *blobstore.Table
	pipeline *listener.MutationPipeline
	queues   *peerqueue.Manager
	monitor  *discovery.Monitor

	cfg       Config
	admission *admissionControl

	// audience is generated once per server instance and reused as the
	// aud claim on every step-1 response, per §6 ("unique to this
	// server instance").
	audience string
}

// NewServer builds the gin engine and registers all routes. audience
// should be generated once with authn.GenerateAudience() by the caller
// at process startup.
func NewServer(keystore *authn.KeyStore, table *blobstore.Table, pipeline *listener.MutationPipeline, queues *peerqueue.Manager, monitor *discovery.Monitor, cfg Config, audience string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog(), securityHeaders(), sizeLimit())

	s := &Server{
		engine:    engine,
		keystore:  keystore,
		table:     table,
		pipeline:  pipeline,
		queues:    queues,
		monitor:   monitor,
		cfg:       cfg,
		admission: newAdmissionControl(cfg.MaxConns),
		audience:  audience,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET(s.cfg.Paths.WellKnown, s.handleWellKnown)
	s.engine.GET(s.cfg.Paths.Discovery, s.handleDiscovery)
	s.engine.GET(s.cfg.Paths.Connect, s.admission.guard(), s.handleConnect)
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.HTTP().Info().Msg("shutting down control server")
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Handler exposes the underlying gin engine, mainly for tests that
// want to drive it through httptest.Server without a real listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}
