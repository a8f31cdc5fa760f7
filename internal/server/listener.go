package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/metrics"
)

// DefaultPoolSize bounds the connections a listener serves at once.
const DefaultPoolSize = 8

// ConnectionHandler is called for each new connection.
// It receives the context and connection, and should run the protocol session.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for one line protocol.
type Listener struct {
	address  string
	protocol string
	connCfg  ConnectionConfig
	handler  ConnectionHandler
	logger   *slog.Logger
	registry *Registry
	metrics  metrics.Collector
	pool     *semaphore.Weighted

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address  string
	Protocol string
	// PoolSize caps concurrent sessions; further accepted connections wait
	// for a free slot. Zero means DefaultPoolSize.
	PoolSize       int
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
	Registry       *Registry
	Metrics        metrics.Collector
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Listener{
		address:  cfg.Address,
		protocol: cfg.Protocol,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:  cfg.Handler,
		logger:   logging.WithListener(logger, cfg.Address, cfg.Protocol),
		registry: registry,
		metrics:  collector,
		pool:     semaphore.NewWeighted(int64(poolSize)),
		ready:    make(chan struct{}),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return errors.New("listener closed before start")
	}
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
	)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		l.acceptLoop(ctx)
	}()

	<-ctx.Done()

	l.logger.Info("listener shutting down")

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}
	// No session is started after this point, so wg.Wait below cannot race
	// a wg.Add.
	<-acceptDone

	// Sessions blocked in a read only return once their socket is closed.
	if n := l.registry.CloseAll(); n > 0 {
		l.logger.Info("closed live connections", slog.Int("count", n))
	}

	l.wg.Wait()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		// Wait for a free session slot; the connection stays queued meanwhile.
		if err := l.pool.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return
		}
		if ctx.Err() != nil {
			l.pool.Release(1)
			_ = conn.Close()
			return
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()
	defer l.pool.Release(1)

	conn := NewConnection(netConn, l.connCfg)
	l.registry.Add(conn)
	defer l.registry.Remove(conn)

	// Registered after shutdown fanned out: nobody else will close it.
	if ctx.Err() != nil {
		_ = conn.Close()
		return
	}

	l.metrics.ConnectionOpened(l.protocol)
	defer l.metrics.ConnectionClosed(l.protocol)

	conn.Logger().Info("connection accepted", slog.String("protocol", l.protocol))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	go conn.IdleMonitor(connCtx)

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Ready is closed once the listener is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Start has bound the socket.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Address returns the configured address.
func (l *Listener) Address() string {
	return l.address
}

// Protocol returns the protocol served by this listener.
func (l *Listener) Protocol() string {
	return l.protocol
}
