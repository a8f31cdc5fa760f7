package node

import (
	"context"
	"log/slog"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/usage"
)

// NewMonitor builds the usage counter sink.
func NewMonitor(cfg StackConfig) (*Stack, error) {
	mc := cfg.Config.Monitor
	s := newStack(cfg, config.RoleMonitor, "monitor")

	var store usage.Store
	switch mc.Store {
	case "redis":
		rs, err := usage.NewRedisStore(context.Background(), usage.RedisConfig{
			Addr:      mc.RedisAddr,
			Password:  mc.RedisPassword,
			DB:        mc.RedisDB,
			KeyPrefix: mc.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rs)
		store = rs
	default:
		store = usage.NewMemoryStore()
	}

	collector, err := usage.Listen(mc.Listen, store, cfg.collector(), s.logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, collector)
	s.runners = append(s.runners, collector.Serve)

	s.views = append(s.views, func(ctx context.Context, logger *slog.Logger) {
		logCounts(ctx, logger, "servers", store.Servers)
		logCounts(ctx, logger, "addresses", store.Addresses)
	})

	s.logger.Info("monitor configured",
		slog.String("listen", collector.Addr().String()),
		slog.String("store", mc.Store))
	return s, nil
}

func logCounts(ctx context.Context, logger *slog.Logger, view string, get func(context.Context) ([]usage.Count, error)) {
	counts, err := get(ctx)
	if err != nil {
		logger.Warn("usage view unavailable", slog.String("view", view), slog.String("error", err.Error()))
		return
	}
	for _, c := range counts {
		logger.Info("usage", slog.String("view", view), slog.String("key", c.Key), slog.Int64("count", c.N))
	}
}
