package usage

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"strings"

	"github.com/infodancer/mailfabric/internal/metrics"
)

var linePattern = regexp.MustCompile(`^(\d+\.){3}\d+:\d+ \S+@\S+$`)

// Parse splits a usage datagram "<ip>:<port> <address>". ok is false for
// anything else.
func Parse(line string) (server, address string, ok bool) {
	if !linePattern.MatchString(line) {
		return "", "", false
	}
	server, address, _ = strings.Cut(line, " ")
	return server, address, true
}

// Sender emits usage datagrams to a monitor.
type Sender struct {
	conn net.Conn
}

// NewSender prepares a sender for the monitor at addr. No packet is sent.
func NewSender(addr string) (*Sender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn}, nil
}

// Send emits one datagram. Delivery is not confirmed.
func (s *Sender) Send(server, address string) error {
	_, err := s.conn.Write([]byte(server + " " + address))
	return err
}

// Close releases the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Collector receives usage datagrams and counts them in a Store.
type Collector struct {
	conn    net.PacketConn
	store   Store
	metrics metrics.Collector
	logger  *slog.Logger
}

// NewCollector creates a collector reading from conn.
func NewCollector(conn net.PacketConn, store Store, collector metrics.Collector, logger *slog.Logger) *Collector {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{conn: conn, store: store, metrics: collector, logger: logger}
}

// Listen opens a UDP socket on addr and returns a collector for it.
func Listen(addr string, store Store, collector metrics.Collector, logger *slog.Logger) (*Collector, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewCollector(conn, store, collector, logger), nil
}

// Addr returns the local address of the socket.
func (c *Collector) Addr() net.Addr {
	return c.conn.LocalAddr()
}

// Serve reads datagrams until ctx is canceled. Malformed datagrams are
// dropped.
func (c *Collector) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.handle(ctx, string(buf[:n]), from)
	}
}

func (c *Collector) handle(ctx context.Context, line string, from net.Addr) {
	server, address, ok := Parse(strings.TrimSpace(line))
	if !ok {
		c.metrics.UsageDropped()
		c.logger.Debug("dropped malformed usage datagram", slog.String("from", from.String()))
		return
	}
	c.metrics.UsageReceived()
	if err := c.store.Add(ctx, server, address); err != nil {
		c.logger.Warn("failed to count usage",
			slog.String("server", server),
			slog.String("error", err.Error()))
	}
}

// Close closes the socket. Closing after Serve returned is not an error.
func (c *Collector) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
