package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("MAILFABRIC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAILFABRIC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// The root address is shared by every role that talks to the directory.
	if v := os.Getenv("MAILFABRIC_DIRECTORY_ROOT_ADDR"); v != "" {
		cfg.Transfer.Directory.RootAddr = v
		cfg.Mailbox.Directory.RootAddr = v
		cfg.Nameserver.Directory.RootAddr = v
	}

	if v := os.Getenv("MAILFABRIC_TRANSFER_ADVERTISE_IP"); v != "" {
		cfg.Transfer.AdvertiseIP = v
	}
	if v := os.Getenv("MAILFABRIC_TRANSFER_MONITOR_ADDR"); v != "" {
		cfg.Transfer.MonitorAddr = v
	}
	if v := os.Getenv("MAILFABRIC_TRANSFER_SOCKS_PROXY"); v != "" {
		cfg.Transfer.SocksProxy = v
	}

	if v := os.Getenv("MAILFABRIC_MAILBOX_USERS_FILE"); v != "" {
		cfg.Mailbox.UsersFile = v
	}
	if v := os.Getenv("MAILFABRIC_MAILBOX_KEYS_DIR"); v != "" {
		cfg.Mailbox.KeysDir = v
	}
	if v := os.Getenv("MAILFABRIC_MAILBOX_REQUIRE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Mailbox.RequireSecure = b
		}
	}

	if v := os.Getenv("MAILFABRIC_MONITOR_STORE"); v != "" {
		cfg.Monitor.Store = v
	}
	if v := os.Getenv("MAILFABRIC_MONITOR_REDIS_ADDR"); v != "" {
		cfg.Monitor.RedisAddr = v
	}
	if v := os.Getenv("MAILFABRIC_MONITOR_REDIS_PASSWORD"); v != "" {
		cfg.Monitor.RedisPassword = v
	}

	if v := os.Getenv("MAILFABRIC_CLIENT_PASSWORD"); v != "" {
		cfg.Client.Password = v
	}

	return cfg
}
