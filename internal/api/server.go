package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-mirror/internal/bridges/mqttstate"
	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/command"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mirror/internal/journal"
	"github.com/nerrad567/gray-logic-mirror/internal/mirror"
	"github.com/nerrad567/gray-logic-mirror/internal/subscription"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Engine is the part of *mirror.Engine the server uses.
type Engine interface {
	Catalog() *catalog.Catalog
	Get(id string) (*entity.View, bool)
	All() []*entity.View
	ConnectionState() entity.ConnectionState
	Dispatch(ctx context.Context, id, action string, params map[string]any) (command.Receipt, error)
	SubscribeEntity(id string) (*subscription.EntitySubscription, error)
	SubscribeRoom(room string) (*subscription.GroupSubscription, error)
	SubscribeStatus() *subscription.StatusSubscription
	Stats() mirror.Stats
}

// BridgeMetrics provides MQTT bridge counters. *mqttstate.Bridge satisfies it.
type BridgeMetrics interface {
	Metrics() mqttstate.Metrics
}

// Deps holds the dependencies required by the API server.
// Journal, Bridge and DB are optional.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Engine   Engine
	Journal  journal.Repository
	Bridge   BridgeMetrics
	DB       *database.DB
	Version  string
}

// Server is the HTTP API server.
//
// It is created with New and started with Start.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	engine    Engine
	journal   journal.Repository
	bridge    BridgeMetrics
	db        *database.DB
	version   string
	startTime time.Time

	server      *http.Server
	handler     http.Handler
	hub         *Hub
	tickets     *ticketStore
	registry    *prometheus.Registry
	httpMetrics *httpMetrics
	cancel      context.CancelFunc
}

// New creates a new API server. The server is not started until Start is
// called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		engine:    deps.Engine,
		journal:   deps.Journal,
		bridge:    deps.Bridge,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.registry = s.newRegistry()
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler with every route and middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start launches the background loops and the HTTP listener. The listener
// runs until Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return errors.New("api server already started")
	}
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr, "cert", s.cfg.TLS.CertFile)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// startBackground runs the hub, ticket cleanup and connection relay until
// Close or ctx cancellation.
func (s *Server) startBackground(ctx context.Context) {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)
	go s.relayConnection(srvCtx)
}

// Close stops the background loops and gracefully shuts down the listener,
// waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// relayConnection broadcasts every connection state change to all
// WebSocket clients.
func (s *Server) relayConnection(ctx context.Context) {
	status := s.engine.SubscribeStatus()
	defer status.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-status.Changes():
			if !ok {
				return
			}
			s.hub.Broadcast(EventConnectionChanged, status.State())
		}
	}
}
