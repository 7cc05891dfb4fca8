// Package server assembles the relay's HTTP surface around a broker and an
// artifact store.
package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/Tyrowin/relayhub/internal/artifact"
	"github.com/Tyrowin/relayhub/internal/config"
	"github.com/Tyrowin/relayhub/internal/relay"
)

// Server serves the WebSocket endpoint and the HTTP side-channel.
type Server struct {
	cfg      *config.Config
	broker   *relay.Broker
	store    *artifact.Store
	hub      *Hub
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	metadata MetadataFunc
}

// Option customizes a Server.
type Option func(*Server)

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetadata replaces the connection metadata producer.
func WithMetadata(fn MetadataFunc) Option {
	return func(s *Server) { s.metadata = fn }
}

// New creates a Server. The hub is not running until Start.
func New(cfg *config.Config, broker *relay.Broker, store *artifact.Store, opts ...Option) *Server {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	s := &Server{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		hub:      NewHub(cfg, broker),
		gatherer: prometheus.DefaultGatherer,
		metadata: BasicMetadata,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     policy.checkOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub in a separate goroutine. This should be called before
// starting the HTTP server.
func (s *Server) Start() {
	go s.hub.Run()
	log.Infow("hub started and ready to manage websocket connections")
}

// Shutdown closes every client, then stops the broker and waits for running
// materializations.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return multierr.Combine(
		s.hub.Shutdown(timeout),
		s.broker.Close(ctx),
	)
}
