package dmtp

import (
	"context"
	"io"
	"log/slog"

	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/metrics"
	"github.com/infodancer/mailfabric/internal/server"
)

// HandlerConfig configures a DMTP connection handler.
type HandlerConfig struct {
	Policy Policy
	// Collector records command metrics (can be nil for no-op).
	Collector metrics.Collector
}

// Handler returns a ConnectionHandler that speaks DMTP with cfg.Policy.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		policy := cfg.Policy
		if o, ok := policy.(Opener); ok {
			p, release := o.Open(ctx)
			// The peer is released before pending deliveries are drained.
			defer func() {
				_ = conn.Close()
				release()
			}()
			policy = p
		}
		registry := NewCommandRegistry(policy)
		session := NewSession()

		if err := conn.WriteLine(Greeting); err != nil {
			logger.Debug("failed to send greeting", slog.String("error", err.Error()))
			return
		}

		// The first command must be begin.
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		if line != "begin" {
			collector.CommandProcessed("dmtp", "invalid")
			_ = conn.WriteLine(replyProtocolError)
			return
		}
		collector.CommandProcessed("dmtp", "begin")
		if err := conn.WriteLine(replyOK); err != nil {
			return
		}
		_ = conn.ResetIdleTimeout()

		for {
			line, err := conn.ReadLine()
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", slog.String("error", err.Error()))
				}
				return
			}

			cmd, matches, err := registry.Match(line)
			if err != nil {
				collector.CommandProcessed("dmtp", "invalid")
				logger.Debug("protocol error", slog.String("line", line))
				_ = conn.WriteLine(replyProtocolError)
				return
			}
			collector.CommandProcessed("dmtp", cmd.Name())

			result := cmd.Execute(ctx, session, matches)
			for _, l := range result.Lines {
				if err := conn.WriteLine(l); err != nil {
					logger.Debug("failed to write response", slog.String("error", err.Error()))
					return
				}
			}
			if result.Close {
				return
			}

			_ = conn.ResetIdleTimeout()
		}
	}
}
