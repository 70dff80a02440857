package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/events"
	"github.com/ethpandaops/buildsync/pkg/notify"
	"github.com/ethpandaops/buildsync/pkg/queue"
	"github.com/ethpandaops/buildsync/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the operator API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the router, for serving from tests.
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	queue      queue.Queue
	dispatcher notify.Dispatcher
	broker     events.Broker
	router     http.Handler
	limiters   []*clientLimiters
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server. broker may be nil, in which case the
// events endpoint is not mounted.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	q queue.Queue,
	dispatcher notify.Dispatcher,
	broker events.Broker,
) Server {
	s := &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		store:      st,
		queue:      q,
		dispatcher: dispatcher,
		broker:     broker,
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves the API in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Open event streams are closed
// first so the shutdown does not wait on them.
func (s *server) Stop() error {
	if s.broker != nil {
		s.broker.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, l := range s.limiters {
		l.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
