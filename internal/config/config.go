// Package config provides configuration management for the mail fabric nodes.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Role identifies which node a process runs as.
type Role string

const (
	// RoleTransfer accepts submissions and relays them to mailbox nodes.
	RoleTransfer Role = "transfer"
	// RoleMailbox stores mail per user and serves the access protocol.
	RoleMailbox Role = "mailbox"
	// RoleNameserver owns one zone of the directory tree.
	RoleNameserver Role = "nameserver"
	// RoleMonitor aggregates usage datagrams.
	RoleMonitor Role = "monitor"
	// RoleClient is the interactive mail client.
	RoleClient Role = "client"
)

// Config holds the complete configuration shared by all node roles.
// Each role reads its own table; the rest is ignored.
type Config struct {
	LogLevel   string           `toml:"log_level"`
	LogFormat  string           `toml:"log_format"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Timeouts   TimeoutsConfig   `toml:"timeouts"`
	Transfer   TransferConfig   `toml:"transfer"`
	Mailbox    MailboxConfig    `toml:"mailbox"`
	Nameserver NameserverConfig `toml:"nameserver"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Client     ClientConfig     `toml:"client"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	// Idle closes connections without traffic; empty or "0s" disables it.
	Idle string `toml:"idle"`
	// Shutdown bounds how long a node waits for live connections on exit.
	Shutdown string `toml:"shutdown"`
}

// DirectoryConfig locates the root nameserver.
type DirectoryConfig struct {
	RootAddr string `toml:"root_addr"`
	RootID   string `toml:"root_id"`
}

// TransferConfig configures a transfer node.
type TransferConfig struct {
	ComponentID     string          `toml:"component_id"`
	Listen          string          `toml:"listen"`
	SMTPListen      string          `toml:"smtp_listen"`
	AdvertiseIP     string          `toml:"advertise_ip"`
	PoolSize        int             `toml:"pool_size"`
	DeliveryWorkers int             `toml:"delivery_workers"`
	DrainTimeout    string          `toml:"drain_timeout"`
	SocksProxy      string          `toml:"socks_proxy"`
	MonitorAddr     string          `toml:"monitor_addr"`
	Directory       DirectoryConfig `toml:"directory"`
}

// MailboxConfig configures a mailbox node.
type MailboxConfig struct {
	ComponentID   string          `toml:"component_id"`
	Domain        string          `toml:"domain"`
	DMTPListen    string          `toml:"dmtp_listen"`
	DMAPListen    string          `toml:"dmap_listen"`
	AdvertiseAddr string          `toml:"advertise_addr"`
	PoolSize      int             `toml:"pool_size"`
	UsersFile     string          `toml:"users_file"`
	KeysDir       string          `toml:"keys_dir"`
	RequireSecure bool            `toml:"require_secure"`
	Directory     DirectoryConfig `toml:"directory"`
}

// NameserverConfig configures a directory node. An empty Domain makes the
// node the root of the tree.
type NameserverConfig struct {
	ComponentID   string          `toml:"component_id"`
	Domain        string          `toml:"domain"`
	Listen        string          `toml:"listen"`
	AdvertiseAddr string          `toml:"advertise_addr"`
	Directory     DirectoryConfig `toml:"directory"`
}

// MonitorConfig configures the usage counter sink.
type MonitorConfig struct {
	Listen        string `toml:"listen"`
	Store         string `toml:"store"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	ComponentID  string `toml:"component_id"`
	MailboxAddr  string `toml:"mailbox_addr"`
	TransferAddr string `toml:"transfer_addr"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Email        string `toml:"email"`
	KeysDir      string `toml:"keys_dir"`
	HMACKeyFile  string `toml:"hmac_key_file"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Timeouts: TimeoutsConfig{
			Idle:     "",
			Shutdown: "10s",
		},
		Transfer: TransferConfig{
			ComponentID:     "transfer-1",
			Listen:          ":11025",
			AdvertiseIP:     "127.0.0.1",
			PoolSize:        8,
			DeliveryWorkers: 2,
			DrainTimeout:    "60s",
			MonitorAddr:     "127.0.0.1:17000",
			Directory: DirectoryConfig{
				RootAddr: "127.0.0.1:18000",
				RootID:   "ns-root",
			},
		},
		Mailbox: MailboxConfig{
			DMTPListen: ":12025",
			DMAPListen: ":12026",
			PoolSize:   8,
			KeysDir:    "keys/server",
			Directory: DirectoryConfig{
				RootAddr: "127.0.0.1:18000",
				RootID:   "ns-root",
			},
		},
		Nameserver: NameserverConfig{
			ComponentID: "ns-root",
			Listen:      ":18000",
			Directory: DirectoryConfig{
				RootAddr: "127.0.0.1:18000",
				RootID:   "ns-root",
			},
		},
		Monitor: MonitorConfig{
			Listen:    ":17000",
			Store:     "memory",
			KeyPrefix: "mailfabric:usage",
		},
		Client: ClientConfig{
			MailboxAddr:  "127.0.0.1:12026",
			TransferAddr: "127.0.0.1:11025",
			KeysDir:      "keys/client",
			HMACKeyFile:  "keys/hmac.key",
		},
	}
}

// Validate checks the global settings and the table of the given role.
func (c *Config) Validate(role Role) error {
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if err := validDuration("timeouts.idle", c.Timeouts.Idle); err != nil {
		return err
	}
	if err := validDuration("timeouts.shutdown", c.Timeouts.Shutdown); err != nil {
		return err
	}

	switch role {
	case RoleTransfer:
		return c.Transfer.validate()
	case RoleMailbox:
		return c.Mailbox.validate()
	case RoleNameserver:
		return c.Nameserver.validate()
	case RoleMonitor:
		return c.Monitor.validate()
	case RoleClient:
		return c.Client.validate()
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

func (t *TransferConfig) validate() error {
	if t.Listen == "" {
		return errors.New("transfer: listen is required")
	}
	if t.PoolSize <= 0 {
		return errors.New("transfer: pool_size must be positive")
	}
	if t.DeliveryWorkers <= 0 {
		return errors.New("transfer: delivery_workers must be positive")
	}
	if net.ParseIP(t.AdvertiseIP).To4() == nil {
		return fmt.Errorf("transfer: advertise_ip %q is not an IPv4 address", t.AdvertiseIP)
	}
	if t.Directory.RootAddr == "" {
		return errors.New("transfer: directory.root_addr is required")
	}
	return validDuration("transfer.drain_timeout", t.DrainTimeout)
}

func (m *MailboxConfig) validate() error {
	if m.ComponentID == "" {
		return errors.New("mailbox: component_id is required")
	}
	if m.Domain == "" {
		return errors.New("mailbox: domain is required")
	}
	if m.DMTPListen == "" || m.DMAPListen == "" {
		return errors.New("mailbox: dmtp_listen and dmap_listen are required")
	}
	if m.PoolSize <= 0 {
		return errors.New("mailbox: pool_size must be positive")
	}
	if m.UsersFile == "" {
		return errors.New("mailbox: users_file is required")
	}
	return nil
}

func (n *NameserverConfig) validate() error {
	if n.ComponentID == "" {
		return errors.New("nameserver: component_id is required")
	}
	if n.Listen == "" {
		return errors.New("nameserver: listen is required")
	}
	if n.Domain != "" && n.Directory.RootAddr == "" {
		return errors.New("nameserver: directory.root_addr is required for zone nameservers")
	}
	if strings.HasPrefix(n.Domain, ".") || strings.HasSuffix(n.Domain, ".") {
		return fmt.Errorf("nameserver: invalid domain %q", n.Domain)
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	if m.Listen == "" {
		return errors.New("monitor: listen is required")
	}
	switch m.Store {
	case "memory":
	case "redis":
		if m.RedisAddr == "" {
			return errors.New("monitor: redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("monitor: invalid store %q (valid: memory, redis)", m.Store)
	}
	return nil
}

func (c *ClientConfig) validate() error {
	if c.MailboxAddr == "" && c.TransferAddr == "" {
		return errors.New("client: mailbox_addr or transfer_addr is required")
	}
	return nil
}

// IdleTimeout returns the idle timeout; zero disables it.
func (t *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDuration(t.Idle, 0)
}

// ShutdownTimeout returns the shutdown grace period.
// Returns 10 seconds if not configured or invalid.
func (t *TimeoutsConfig) ShutdownTimeout() time.Duration {
	return parseDuration(t.Shutdown, 10*time.Second)
}

// DrainTimeoutDuration returns how long a closing submission connection
// waits for its deliveries before cancelling them.
// Returns 60 seconds if not configured or invalid.
func (t *TransferConfig) DrainTimeoutDuration() time.Duration {
	return parseDuration(t.DrainTimeout, 60*time.Second)
}

// AdvertisePort returns the DMTP port the transfer node reports in usage
// datagrams, or 0 when Listen carries no numeric port.
func (t *TransferConfig) AdvertisePort() int {
	_, port, err := net.SplitHostPort(t.Listen)
	if err != nil {
		return 0
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0
	}
	return p
}

// RelayAddr returns the address registered in the directory for this mailbox:
// AdvertiseAddr when set, otherwise the DMTP listen address with an empty
// host replaced by the loopback address.
func (m *MailboxConfig) RelayAddr() string {
	if m.AdvertiseAddr != "" {
		return m.AdvertiseAddr
	}
	return withHost(m.DMTPListen)
}

// RPCAddr returns the address other nameservers dial to reach this one.
func (n *NameserverConfig) RPCAddr() string {
	if n.AdvertiseAddr != "" {
		return n.AdvertiseAddr
	}
	return withHost(n.Listen)
}

// IsRoot reports whether the nameserver owns the root zone.
func (n *NameserverConfig) IsRoot() bool {
	return n.Domain == ""
}

func withHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func validDuration(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}

func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
