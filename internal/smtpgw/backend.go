// Package smtpgw lets SMTP clients submit mail to a transfer node. Each
// SMTP transaction becomes one Mail handed to the same delivery pool as
// the DMTP port.
package smtpgw

import (
	"context"
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/metrics"
)

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	newSubmitter  func(ctx context.Context) (dmtp.Submitter, func())
	collector     metrics.Collector
	maxRecipients int
	logger        *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	// NewSubmitter returns the submitter of one connection and a func that
	// drains it when the connection closes.
	NewSubmitter  func(ctx context.Context) (dmtp.Submitter, func())
	Collector     metrics.Collector
	MaxRecipients int
	Logger        *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Backend{
		newSubmitter:  cfg.NewSubmitter,
		collector:     collector,
		maxRecipients: cfg.MaxRecipients,
		logger:        logger,
	}
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.collector.ConnectionOpened("smtp")

	remote := ""
	if nc := c.Conn(); nc != nil && nc.RemoteAddr() != nil {
		remote = nc.RemoteAddr().String()
	}
	logger := logging.WithConnection(b.logger, remote)

	s := &Session{
		backend:  b,
		clientIP: extractIP(remote),
		logger:   logger,
	}
	if b.newSubmitter != nil {
		s.submitter, s.release = b.newSubmitter(logging.NewContext(context.Background(), logger))
	}
	return s, nil
}

// extractIP returns the host part of a remote address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
