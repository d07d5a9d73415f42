package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	// Long enough for a submit to wait out its confirmation timeout.
	writeTimeout = 60 * time.Second
)

// Server runs the HTTP API.
type Server struct {
	HTTP   *http.Server
	logger *slog.Logger
}

func NewServer(port string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		HTTP: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		logger: logger,
	}
}

// Run blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Run() error {
	s.logger.Info("listening", "addr", s.HTTP.Addr)
	err := s.HTTP.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.HTTP.Shutdown(ctx)
}
