package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/curaious/forge/internal/services"
	"github.com/valyala/fasthttp"

	"github.com/curaious/forge/internal/config"
	"github.com/curaious/forge/internal/migrations"
)

// Server is the orchestration HTTP server.
type Server struct {
	srv      *fasthttp.Server
	addr     string
	services *services.Services
}

// New creates the server, running database migrations first when a
// database is configured.
func New() *Server {
	conf := config.ReadConfig()

	if conf.HasDB() {
		m, err := migrations.NewMigrator()
		if err != nil {
			panic("unable to create migrator")
		}

		err = m.Up(0)
		if err != nil {
			panic("unable to run migrations")
		}
	}

	s := &Server{
		srv:      &fasthttp.Server{},
		addr:     fmt.Sprintf("0.0.0.0:%s", conf.PORT),
		services: services.NewServices(conf),
	}

	s.srv.Handler = s.initRoutes()

	return s
}

// Start the rest server
func (s *Server) Start() {
	if err := s.services.Start(context.Background()); err != nil {
		slog.Error("Failed to start services", slog.Any("error", err))
		panic(err)
	}

	slog.Info("Starting REST server...", slog.String("addr", s.addr))
	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			slog.Error("Server shutdown", slog.Any("error", err))
		}
	}()
	slog.Info("REST server started!")

	// Listen for OS interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block till we receive an interrupt
	<-c
	slog.Info("Received interrupt...")

	// Create a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.shutdown(ctx)
}

// shutdown stops the rest server, then tears down background loops and
// provider instances.
func (s *Server) shutdown(ctx context.Context) {
	slog.Info("Gracefully shutting down REST server...")
	if err := s.srv.Shutdown(); err != nil {
		slog.Error("Failed to shutdown the server", slog.Any("error", err))
	}

	s.services.Stop(ctx)
	slog.Info("REST server shutdown!")
}
