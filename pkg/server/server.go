package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 20 * time.Second

// Server is an http.Server that shuts down gracefully when its context is done.
type Server struct {
	*http.Server
	// CleanUpFuncs are called in order once the server has shut down.
	CleanUpFuncs    []func(ctx context.Context)
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Start serves until ctx is done, then shuts the server down and runs the cleanup
// funcs. It returns early with the error if the server cannot serve.
func (s *Server) Start(ctx context.Context) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.ListenAndServe()
	}()
	s.Logger.Info(fmt.Sprintf("server started at %s", s.Server.Addr))

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("server shutting down...")
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.Server.Shutdown(shutdownCtx)
	for _, cf := range s.CleanUpFuncs {
		cf(shutdownCtx)
	}
	<-serveErr
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
