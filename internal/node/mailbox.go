package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/directory"
	"github.com/infodancer/mailfabric/internal/dmap"
	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/mailbox"
	"github.com/infodancer/mailfabric/internal/secure"
	"github.com/infodancer/mailfabric/internal/server"
)

// NewMailbox builds a mailbox node: the DMTP port accepting mail for its
// domain and the DMAP port serving it to users. Once both are bound the
// node registers its domain at the root nameserver.
func NewMailbox(cfg StackConfig) (*Stack, error) {
	mc := cfg.Config.Mailbox
	s := newStack(cfg, config.RoleMailbox, mc.ComponentID)
	collector := cfg.collector()

	users, err := mailbox.LoadUsers(mc.UsersFile)
	if err != nil {
		return nil, err
	}
	store := mailbox.NewStore(users)

	keys := secure.NewDirKeyStore(mc.KeysDir)
	if _, err := keys.PrivateKey(mc.ComponentID); err != nil {
		if mc.RequireSecure {
			return nil, fmt.Errorf("mailbox: secure sessions required but key unusable: %w", err)
		}
		s.logger.Warn("secure sessions unavailable", slog.String("error", err.Error()))
	}

	dmtpCfg := listenerBase(cfg, s.logger)
	dmtpCfg.Address = mc.DMTPListen
	dmtpCfg.Protocol = "dmtp"
	dmtpCfg.PoolSize = mc.PoolSize
	dmtpCfg.Handler = dmtp.Handler(dmtp.HandlerConfig{
		Policy: &dmtp.MailboxPolicy{
			Domain:    mc.Domain,
			Store:     store,
			Collector: collector,
			Logger:    s.logger,
		},
		Collector: collector,
	})

	dmapCfg := listenerBase(cfg, s.logger)
	dmapCfg.Address = mc.DMAPListen
	dmapCfg.Protocol = "dmap"
	dmapCfg.PoolSize = mc.PoolSize
	dmapCfg.Handler = dmap.Handler(dmap.HandlerConfig{
		ComponentID:   mc.ComponentID,
		Domain:        mc.Domain,
		Store:         store,
		Keys:          keys,
		RequireSecure: mc.RequireSecure,
		Collector:     collector,
	})

	srv := server.New(s.logger, dmtpCfg, dmapCfg)

	pool := directory.NewPool()
	s.closers = append(s.closers, pool)
	root := directory.Ref{ID: mc.Directory.RootID, Addr: mc.Directory.RootAddr}

	s.runners = append(s.runners, func(ctx context.Context) error {
		return serveAndThen(ctx, srv, func(ctx context.Context) {
			registerMailbox(ctx, s.logger, pool, root, mc.Domain, mc.RelayAddr())
		})
	})

	s.views = append(s.views, func(_ context.Context, logger *slog.Logger) {
		for _, user := range store.Users() {
			logger.Info("mailbox", slog.String("user", user), slog.Int("messages", store.Count(user)))
		}
	})

	s.logger.Info("mailbox node configured",
		slog.String("domain", mc.Domain),
		slog.String("dmtp_listen", mc.DMTPListen),
		slog.String("dmap_listen", mc.DMAPListen),
		slog.Int("users", len(users)),
		slog.Bool("require_secure", mc.RequireSecure))
	return s, nil
}

// registerMailbox binds domain to addr at the root. A failed registration
// leaves the node running; mail already addressed to it can still arrive.
func registerMailbox(ctx context.Context, logger *slog.Logger, d directory.Dialer, root directory.Ref, domain, addr string) {
	ns, err := d.Dial(root)
	if err == nil {
		err = ns.RegisterMailboxServer(ctx, domain, addr)
	}
	if err != nil {
		logger.Error("mailbox registration failed",
			slog.String("domain", domain),
			slog.String("root", root.String()),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("mailbox registered", slog.String("domain", domain), slog.String("addr", addr))
}
