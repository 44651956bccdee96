package server

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/metrics"
	"github.com/BastienGimbert/TheSolanaApi/pkg/proxy"
	"github.com/BastienGimbert/TheSolanaApi/pkg/registry"
)

// failureObserver receives hot-path transport failures so they count
// toward a validator's hysteresis before the next probe sweep.
type failureObserver interface {
	ObserveForwardFailure(name string, err error)
}

// Server is the HTTP front of the proxy.
type Server struct {
	reg             *registry.Registry
	fwd             *proxy.Forwarder
	observer        failureObserver
	met             *metrics.Metrics
	rng             registry.Rand
	maxBody         int64
	shutdownTimeout time.Duration
	echo            *echo.Echo
}

// globalRand draws from math/rand's goroutine-safe global source.
type globalRand struct{}

func (globalRand) Intn(n int) int { return rand.Intn(n) }

// NewServer wires the front controller. observer and met may be nil.
func NewServer(reg *registry.Registry, fwd *proxy.Forwarder, observer failureObserver, met *metrics.Metrics, maxBody int64, shutdownTimeout time.Duration) *Server {
	s := &Server{
		reg:             reg,
		fwd:             fwd,
		observer:        observer,
		met:             met,
		rng:             globalRand{},
		maxBody:         maxBody,
		shutdownTimeout: shutdownTimeout,
		echo:            echo.New(),
	}
	s.setupRoutes()
	return s
}

// SetRand replaces the selection random source. Tests use a seeded one.
func (s *Server) SetRand(rng registry.Rand) {
	s.rng = rng
}

// Handler exposes the route tree for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start(addr string) error {
	go func() {
		log.Info().Str("addr", addr).Msg("Starting RPC proxy")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

// Shutdown stops the listener, waiting up to the shutdown timeout for
// in-flight requests.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/validators", s.validatorsHandler)
	s.echo.GET("/", s.indexHandler)
	s.echo.POST("/", s.proxyHandler)

	if s.met != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.met.Handler()))
	}
}
