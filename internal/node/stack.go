// Package node assembles the components of each node role from the
// configuration and manages their lifecycle.
package node

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/metrics"
	"github.com/infodancer/mailfabric/internal/server"
)

// Stack owns all components of a running node and manages their lifecycle.
type Stack struct {
	role    config.Role
	logger  *slog.Logger
	runners []func(ctx context.Context) error
	closers []io.Closer
	// views log operator state once the node has stopped.
	views []func(ctx context.Context, logger *slog.Logger)
}

// StackConfig groups what every role needs to build its Stack.
type StackConfig struct {
	Config    config.Config
	Collector metrics.Collector // nil → NoopCollector
	Logger    *slog.Logger      // nil → slog.Default()
}

func (c StackConfig) collector() metrics.Collector {
	if c.Collector == nil {
		return &metrics.NoopCollector{}
	}
	return c.Collector
}

func newStack(cfg StackConfig, role config.Role, id string) *Stack {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		role:   role,
		logger: logging.WithComponent(logger, string(role), id),
	}
}

// New builds the stack of the given role.
func New(role config.Role, cfg StackConfig) (*Stack, error) {
	switch role {
	case config.RoleTransfer:
		return NewTransfer(cfg)
	case config.RoleMailbox:
		return NewMailbox(cfg)
	case config.RoleNameserver:
		return NewNameserver(cfg)
	case config.RoleMonitor:
		return NewMonitor(cfg)
	default:
		return nil, errors.New("no stack for role " + string(role))
	}
}

// Role returns the role the stack was built for.
func (s *Stack) Role() config.Role {
	return s.role
}

// Logger returns the component logger of the stack.
func (s *Stack) Logger() *slog.Logger {
	return s.logger
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails, which stops the others. Operator views are logged on exit.
func (s *Stack) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range s.runners {
		g.Go(func() error {
			if err := run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for _, view := range s.views {
		view(context.WithoutCancel(ctx), s.logger)
	}
	return err
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serveAndThen runs srv and calls after once all its listeners are bound.
func serveAndThen(ctx context.Context, srv *server.Server, after func(ctx context.Context)) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	for _, l := range srv.Listeners() {
		select {
		case <-l.Ready():
		case err := <-errc:
			return err
		}
	}
	after(ctx)
	return <-errc
}

func listenerBase(cfg StackConfig, logger *slog.Logger) server.ListenerConfig {
	return server.ListenerConfig{
		IdleTimeout:    cfg.Config.Timeouts.IdleTimeout(),
		LogTransaction: cfg.Config.LogLevel == "debug",
		Logger:         logger,
		Metrics:        cfg.collector(),
	}
}
