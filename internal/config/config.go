package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the client runtime parameters.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	LogEncoding         string        `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Room                RoomConfig    `mapstructure:"room"`
	Relay               RelayConfig   `mapstructure:"relay"`
	Admin               AdminConfig   `mapstructure:"admin"`
}

// RoomConfig carries the room to join and the self-asserted display name.
type RoomConfig struct {
	Code        string `mapstructure:"code"`
	DisplayName string `mapstructure:"display_name"`
}

// RelayConfig describes how the relay-network participant is bootstrapped.
type RelayConfig struct {
	BootstrapPeers []string      `mapstructure:"bootstrap_peers"`
	ListenAddrs    []string      `mapstructure:"listen_addrs"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	EnableMDNS     bool          `mapstructure:"enable_mdns"`
}

// AdminConfig describes the optional metrics/health HTTP endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultLogLevel            = "info"
	defaultLogEncoding         = "console"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultConnectTimeout      = 30 * time.Second
	defaultReadHeaderTimeout   = 5 * time.Second
)

var defaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with ROOMWIRE_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROOMWIRE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("room.code", "")
	v.SetDefault("room.display_name", "")
	v.SetDefault("relay.bootstrap_peers", []string{})
	v.SetDefault("relay.listen_addrs", defaultListenAddrs)
	v.SetDefault("relay.connect_timeout", defaultConnectTimeout.String())
	v.SetDefault("relay.enable_mdns", true)
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, dur := range []struct {
		key    string
		target *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"relay.connect_timeout", &cfg.Relay.ConnectTimeout},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
	} {
		parsed, err := time.ParseDuration(v.GetString(dur.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", dur.key, err)
		}
		*dur.target = parsed
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogEncoding == "" {
		cfg.LogEncoding = defaultLogEncoding
	}
	if len(cfg.Relay.ListenAddrs) == 0 {
		cfg.Relay.ListenAddrs = append([]string(nil), defaultListenAddrs...)
	}
	if cfg.Relay.ConnectTimeout <= 0 {
		cfg.Relay.ConnectTimeout = defaultConnectTimeout
	}

	return cfg, nil
}
