package node

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/delivery"
	"github.com/infodancer/mailfabric/internal/directory"
	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/server"
	"github.com/infodancer/mailfabric/internal/smtpgw"
	"github.com/infodancer/mailfabric/internal/usage"
)

// relayDialTimeout bounds connecting to a mailbox node.
const relayDialTimeout = 30 * time.Second

// NewTransfer builds a transfer node: the DMTP submission port, the
// optional SMTP gateway and the delivery engine behind both.
func NewTransfer(cfg StackConfig) (*Stack, error) {
	tc := cfg.Config.Transfer
	s := newStack(cfg, config.RoleTransfer, tc.ComponentID)
	collector := cfg.collector()

	dialer, err := delivery.NewDialer(tc.SocksProxy, relayDialTimeout)
	if err != nil {
		return nil, err
	}
	if tc.SocksProxy != "" {
		s.logger.Info("relaying through socks proxy", slog.String("proxy", tc.SocksProxy))
	}

	pool := directory.NewPool()
	s.closers = append(s.closers, pool)

	engine := &delivery.Engine{
		Resolver: &directory.Resolver{
			Root:   directory.Ref{ID: tc.Directory.RootID, Addr: tc.Directory.RootAddr},
			Dialer: pool,
		},
		Relayer:   &delivery.SessionRelayer{Dialer: dialer, Logger: s.logger},
		NodeIP:    tc.AdvertiseIP,
		NodePort:  tc.AdvertisePort(),
		Collector: collector,
		Logger:    s.logger,
	}
	if tc.MonitorAddr != "" {
		sender, err := usage.NewSender(tc.MonitorAddr)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("usage sender: %w", err)
		}
		engine.Usage = sender
		s.closers = append(s.closers, sender)
	}
	newSubmitter := engine.Submitters(tc.DeliveryWorkers, tc.DrainTimeoutDuration())

	lc := listenerBase(cfg, s.logger)
	lc.Address = tc.Listen
	lc.Protocol = "dmtp"
	lc.PoolSize = tc.PoolSize
	lc.Handler = dmtp.Handler(dmtp.HandlerConfig{
		Policy:    &dmtp.TransferPolicy{NewSubmitter: newSubmitter},
		Collector: collector,
	})
	srv := server.New(s.logger, lc)
	s.runners = append(s.runners, srv.Run)

	if tc.SMTPListen != "" {
		gw, err := smtpgw.NewServer(smtpgw.ServerConfig{
			Backend: smtpgw.NewBackend(smtpgw.BackendConfig{
				NewSubmitter: newSubmitter,
				Collector:    collector,
				Logger:       logging.WithListener(s.logger, tc.SMTPListen, "smtp"),
			}),
			Address:      tc.SMTPListen,
			Hostname:     tc.ComponentID,
			ReadTimeout:  cfg.Config.Timeouts.IdleTimeout(),
			WriteTimeout: cfg.Config.Timeouts.IdleTimeout(),
			Logger:       s.logger,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.runners = append(s.runners, gw.Run)
	}

	s.logger.Info("transfer node configured",
		slog.String("listen", tc.Listen),
		slog.String("smtp_listen", tc.SMTPListen),
		slog.String("root", tc.Directory.RootAddr),
		slog.Int("delivery_workers", tc.DeliveryWorkers))
	return s, nil
}
