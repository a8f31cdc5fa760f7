package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/mailfabric/internal/logging"
)

// ContextDialer opens outbound connections. *net.Dialer and the dialers
// returned by golang.org/x/net/proxy both satisfy it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connection wraps a net.Conn with line framing, idle timeout management
// and optional transaction logging.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Create connection-scoped logger with remote address
	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		lastActivity: time.Now(),
	}

	// Set up reader/writer with optional transaction logging
	var r io.Reader = conn
	var w io.Writer = conn

	if cfg.LogTransaction {
		r = logging.NewTransactionReader(conn, connLogger, "recv")
		w = logging.NewTransactionWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// Dial connects to address through d and wraps the result.
func Dial(ctx context.Context, d ContextDialer, address string, cfg ConnectionConfig) (*Connection, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConnection(nc, cfg), nil
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ReadLine reads one newline-terminated line and strips the terminator.
// A final unterminated line before EOF is returned without error; EOF with
// nothing buffered returns io.EOF.
func (c *Connection) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			_ = c.ResetIdleTimeout()
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	_ = c.ResetIdleTimeout()
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes line followed by a newline and flushes it.
// It is safe for concurrent use.
func (c *Connection) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	return c.ResetIdleTimeout()
}

// SetDeadline sets the read and write deadlines.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// ResetIdleTimeout resets the idle timeout deadline.
// Called after each successful read/write operation.
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IdleMonitor runs in a goroutine to monitor for idle connections.
// It will close the connection if idle timeout is exceeded.
// The monitor stops when the context is cancelled or the connection is closed.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle),
				)
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
