package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/directory"
)

// NewNameserver builds a directory node. A node with a domain registers
// itself as the nameserver of that zone at the root once it is listening.
func NewNameserver(cfg StackConfig) (*Stack, error) {
	nc := cfg.Config.Nameserver
	s := newStack(cfg, config.RoleNameserver, nc.ComponentID)

	pool := directory.NewPool()
	s.closers = append(s.closers, pool)

	self := directory.Ref{ID: nc.ComponentID, Addr: nc.RPCAddr()}
	zone := directory.NewNode(self, pool, s.logger)
	svc := directory.NewService(zone, cfg.collector(), s.logger)
	root := directory.Ref{ID: nc.Directory.RootID, Addr: nc.Directory.RootAddr}

	s.runners = append(s.runners, func(ctx context.Context) error {
		ln, err := net.Listen("tcp", nc.Listen)
		if err != nil {
			return fmt.Errorf("nameserver %s: %w", nc.Listen, err)
		}
		s.logger.Info("listener started",
			slog.String("address", ln.Addr().String()),
			slog.String("protocol", "directory"))

		errc := make(chan error, 1)
		go func() { errc <- svc.Serve(ln) }()

		if !nc.IsRoot() {
			if err := registerZone(ctx, pool, root, nc.Domain, self); err != nil {
				svc.Stop()
				<-errc
				return err
			}
			s.logger.Info("zone registered", slog.String("domain", nc.Domain))
		}

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		s.logger.Info("nameserver shutting down")
		svc.Stop()
		return <-errc
	})

	s.views = append(s.views, func(_ context.Context, logger *slog.Logger) {
		for _, line := range zone.Nameservers() {
			logger.Info("delegated zone", slog.String("entry", line))
		}
		for _, line := range zone.Addresses() {
			logger.Info("mailbox address", slog.String("entry", line))
		}
	})

	zoneName := nc.Domain
	if nc.IsRoot() {
		zoneName = "."
	}
	s.logger.Info("nameserver configured",
		slog.String("zone", zoneName),
		slog.String("listen", nc.Listen),
		slog.String("advertise", self.Addr))
	return s, nil
}

// registerZone announces self as the nameserver of domain. Unlike mailbox
// registration a failure is fatal: a zone nobody can reach is useless.
func registerZone(ctx context.Context, d directory.Dialer, root directory.Ref, domain string, self directory.Ref) error {
	ns, err := d.Dial(root)
	if err != nil {
		return fmt.Errorf("dialing root %s: %w", root, err)
	}
	if err := ns.RegisterNameserver(ctx, domain, self); err != nil {
		return fmt.Errorf("registering zone %s: %w", domain, err)
	}
	return nil
}
