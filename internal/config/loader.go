package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath  string
	LogLevel    string
	ComponentID string
	Domain      string
	Listen      string
	RootAddr    string

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// ParseFlags parses the flags of one role subcommand.
func ParseFlags(role Role, args []string) (*Flags, error) {
	f := &Flags{}

	fs := flag.NewFlagSet(string(role), flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "./mailfabric.toml", "Path to configuration file")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.ComponentID, "id", "", "Component id (selects key files and log tags)")
	fs.StringVar(&f.Domain, "domain", "", "Domain served by this node")
	fs.StringVar(&f.Listen, "listen", "", "Primary listen address for this role")
	fs.StringVar(&f.RootAddr, "root", "", "Address of the root nameserver")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.Args = fs.Args()
	return f, nil
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Decoding onto the defaults keeps every key the file leaves out.
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the table of the given role.
// Non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, role Role, f *Flags) Config {
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	switch role {
	case RoleTransfer:
		if f.ComponentID != "" {
			cfg.Transfer.ComponentID = f.ComponentID
		}
		if f.Listen != "" {
			cfg.Transfer.Listen = f.Listen
		}
		if f.RootAddr != "" {
			cfg.Transfer.Directory.RootAddr = f.RootAddr
		}
	case RoleMailbox:
		if f.ComponentID != "" {
			cfg.Mailbox.ComponentID = f.ComponentID
		}
		if f.Domain != "" {
			cfg.Mailbox.Domain = f.Domain
		}
		if f.Listen != "" {
			cfg.Mailbox.DMTPListen = f.Listen
		}
		if f.RootAddr != "" {
			cfg.Mailbox.Directory.RootAddr = f.RootAddr
		}
	case RoleNameserver:
		if f.ComponentID != "" {
			cfg.Nameserver.ComponentID = f.ComponentID
		}
		if f.Domain != "" {
			cfg.Nameserver.Domain = f.Domain
		}
		if f.Listen != "" {
			cfg.Nameserver.Listen = f.Listen
		}
		if f.RootAddr != "" {
			cfg.Nameserver.Directory.RootAddr = f.RootAddr
		}
	case RoleMonitor:
		if f.Listen != "" {
			cfg.Monitor.Listen = f.Listen
		}
	case RoleClient:
		if f.ComponentID != "" {
			cfg.Client.ComponentID = f.ComponentID
		}
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(role Role, f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, role, f), nil
}
