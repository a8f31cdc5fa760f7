package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Server coordinates the listeners of one node. All listeners share a
// connection registry unless their config names another.
type Server struct {
	logger   *slog.Logger
	registry *Registry

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a Server running one Listener per config.
func New(logger *slog.Logger, cfgs ...ListenerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:   logger,
		registry: NewRegistry(),
	}

	for _, lc := range cfgs {
		if lc.Logger == nil {
			lc.Logger = logger
		}
		if lc.Registry == nil {
			lc.Registry = s.registry
		}
		s.listeners = append(s.listeners, NewListener(lc))
	}
	return s
}

// Run starts all configured listeners and blocks until the context is cancelled.
// All listeners run in their own goroutines. If one listener fails to start
// the others are stopped and its error is returned.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	listeners := append([]*Listener(nil), s.listeners...)
	s.mu.Unlock()

	if len(listeners) == 0 {
		return errors.New("no listeners configured")
	}

	s.logger.Info("starting server",
		slog.Int("listener_count", len(listeners)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
				cancel()
			}
		}(l)
	}

	<-runCtx.Done()

	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops accepting and closes every live connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.registry.CloseAll()
}

// Listeners returns the server's listeners in configuration order.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners...)
}

// Registry returns the connection registry shared by the listeners.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
