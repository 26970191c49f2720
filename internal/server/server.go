package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/formatter"
	"github.com/Davincible/msgbridge/internal/handlers"
	"github.com/Davincible/msgbridge/internal/middleware"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

type Server struct {
	config   *config.Manager
	logger   *slog.Logger
	registry atomic.Pointer[formatter.Registry]

	mu     sync.Mutex
	server *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: configManager,
		logger: logger,
	}

	if err := s.Reload(configManager.Get()); err != nil {
		return nil, err
	}

	return s, nil
}

// BuildRegistry creates the formatter registry described by cfg.
func BuildRegistry(cfg *config.Config, logger *slog.Logger) (*formatter.Registry, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}

	bindings, err := cfg.Bindings()
	if err != nil {
		return nil, err
	}

	reg, err := formatter.NewRegistry(rules, logger, bindings)
	if err != nil {
		return nil, fmt.Errorf("build formatter registry: %w", err)
	}

	return reg, nil
}

// Reload swaps in a registry built from cfg. In-flight requests keep the
// registry they started with.
func (s *Server) Reload(cfg *config.Config) error {
	reg, err := BuildRegistry(cfg, s.logger)
	if err != nil {
		return err
	}

	s.registry.Store(reg)
	s.logger.Debug("Formatter registry loaded", "providers", len(reg.List()))

	return nil
}

// Registry returns the registry currently serving requests.
func (s *Server) Registry() *formatter.Registry {
	return s.registry.Load()
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Get()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. Config
// changes on disk are picked up while serving.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if _, err := os.Stat(s.config.BaseDir()); err == nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.config.Watch(ctx, s.logger, func(cfg *config.Config) {
				if err := s.Reload(cfg); err != nil {
					s.logger.Warn("Registry rebuild failed, keeping previous registry", "error", err)
				}
			})
			if err != nil {
				s.logger.Warn("Config watching disabled", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting server", "address", ln.Addr().String())

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	var serveErr error

	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	shutdownErr := srv.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Create handlers
	healthHandler := handlers.NewHealthHandler(s.logger)
	formatHandler := handlers.NewFormatHandler(s.Registry, s.config, s.logger)
	parseHandler := handlers.NewParseHandler(s.Registry, s.config, s.logger)
	streamHandler := handlers.NewStreamParseHandler(s.Registry, s.config, s.logger)
	tokensHandler := handlers.NewTokensHandler(s.config, s.logger)
	providersHandler := handlers.NewProvidersHandler(s.Registry, s.config, s.logger)

	// Setup middleware chains
	middlewareSet := middleware.NewMiddlewareSet(s.logger)
	api := middlewareSet.DefaultChain()

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/format", api.Handler(formatHandler))
	mux.Handle("/v1/parse", api.Handler(parseHandler))
	mux.Handle("/v1/parse/stream", api.Handler(streamHandler))
	mux.Handle("/v1/tokens", api.Handler(tokensHandler))
	mux.Handle("/v1/providers", api.Handler(providersHandler))

	return mux
}
