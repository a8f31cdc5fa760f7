package smtpgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// Server wraps a go-smtp server for the submission gateway.
type Server struct {
	server *gosmtp.Server
	logger *slog.Logger
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	Backend        *Backend
	Address        string
	Hostname       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	MaxRecipients  int
	Logger         *slog.Logger
}

// NewServer creates a Server listening on cfg.Address once run.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("smtp gateway: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := gosmtp.NewServer(cfg.Backend)
	s.Addr = cfg.Address
	s.Domain = cfg.Hostname
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = int64(cfg.MaxMessageSize)
	s.MaxRecipients = cfg.MaxRecipients
	s.EnableSMTPUTF8 = true

	return &Server{server: s, logger: logger}, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("smtp gateway %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Sessions still open after 30 seconds are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting listener",
			slog.String("address", ln.Addr().String()),
			slog.String("protocol", "smtp"))
		errChan <- s.server.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			return fmt.Errorf("smtp gateway %s: %w", ln.Addr(), err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down smtp gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error shutting down smtp gateway", slog.String("error", err.Error()))
	}
	<-errChan
	return nil
}
