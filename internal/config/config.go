// Package config loads gateway configuration the way the teacher does:
// spf13/viper with programmatic defaults, an optional config file, and
// environment-variable overrides. SPEC_FULL.md §10 adds a godotenv preload
// step in cmd/gateway so local .env files populate the same environment
// viper reads from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting enumerated in SPEC_FULL.md §6.
type Config struct {
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// DownstreamConfig controls the TLS WebSocket terminator.
type DownstreamConfig struct {
	Port               uint16        `mapstructure:"port"`
	TLSCertPath        string        `mapstructure:"tls_cert_path"`
	TLSKeyPath         string        `mapstructure:"tls_key_path"`
	WSPath             string        `mapstructure:"ws_path"`
	SendChannelWarnLen int           `mapstructure:"send_channel_warn_len"`
	AcceptRatePerSec   float64       `mapstructure:"accept_rate_per_sec"`
	AcceptBurst        int           `mapstructure:"accept_burst"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
}

// UpstreamConfig controls the WSS ingest client and the backoff/watchdog.
type UpstreamConfig struct {
	URL                         string        `mapstructure:"url"`
	ReconnectBaseDelay          time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay           time.Duration `mapstructure:"reconnect_max_delay"`
	TransportTimeout            time.Duration `mapstructure:"transport_timeout"`
	DataInactivityThreshold     time.Duration `mapstructure:"data_inactivity_threshold"`
	DataflowCheckInterval       time.Duration `mapstructure:"dataflow_check_interval"`
	FailoverAfterFailures       int           `mapstructure:"failover_after_failures"`
	FailoverPollInterval        time.Duration `mapstructure:"failover_poll_interval"`
	FailoverSnapshotURL         string        `mapstructure:"failover_snapshot_url"`
	MarketStatusURL             string        `mapstructure:"market_status_url"`
	MarketStatusPollInterval    time.Duration `mapstructure:"market_status_poll_interval"`
	MarketStatusErrorBackoff    time.Duration `mapstructure:"market_status_error_backoff"`
}

// RegistryConfig controls the subscription linger window.
type RegistryConfig struct {
	LingerSecs uint64 `mapstructure:"linger_secs"`
}

// MemoryConfig controls the MemoryGuard capacity.
type MemoryConfig struct {
	MaxBytes uint64 `mapstructure:"max_bytes"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap's level/encoding and optional file sink.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	LogDir      string `mapstructure:"log_dir"`
}

// AuthConfig controls the optional JWT bearer-token priority elevation.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// NotifyConfig controls the optional NATS operational event bus.
type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// Load reads configuration from defaults, an optional config file
// (restream.yaml under "." or "./config"), and environment variables
// prefixed RESTREAM_ (e.g. RESTREAM_DOWNSTREAM_PORT).
func Load() (Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()

	v.SetDefault("downstream.port", 9002)
	v.SetDefault("downstream.tls_cert_path", filepath.Join(home, ".letsencrypt", "fullchain.pem"))
	v.SetDefault("downstream.tls_key_path", filepath.Join(home, ".letsencrypt", "privkey.pem"))
	v.SetDefault("downstream.ws_path", "/ws")
	v.SetDefault("downstream.send_channel_warn_len", 1000)
	v.SetDefault("downstream.accept_rate_per_sec", 50.0)
	v.SetDefault("downstream.accept_burst", 100)
	v.SetDefault("downstream.handshake_timeout", 10*time.Second)

	v.SetDefault("upstream.url", "wss://streamer.finance.yahoo.com/?version=2")
	v.SetDefault("upstream.reconnect_base_delay", 1000*time.Millisecond)
	v.SetDefault("upstream.reconnect_max_delay", 60000*time.Millisecond)
	v.SetDefault("upstream.transport_timeout", 20*time.Second)
	v.SetDefault("upstream.data_inactivity_threshold", 60*time.Second)
	v.SetDefault("upstream.dataflow_check_interval", 10*time.Second)
	v.SetDefault("upstream.failover_after_failures", 5)
	v.SetDefault("upstream.failover_poll_interval", 15*time.Second)
	v.SetDefault("upstream.failover_snapshot_url", "https://query1.finance.yahoo.com/v7/finance/quote?symbols=%s")
	v.SetDefault("upstream.market_status_url", "https://api.nasdaq.com/api/market-info")
	v.SetDefault("upstream.market_status_poll_interval", 60*time.Second)
	v.SetDefault("upstream.market_status_error_backoff", 30*time.Second)

	v.SetDefault("registry.linger_secs", 30)

	v.SetDefault("memory.max_bytes", uint64(1<<30)) // 1 GiB

	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.log_dir", "./logs")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("notify.nats_url", "")

	v.SetConfigName("restream")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; absence is not an error.
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Registry.LingerSecs == 0 {
		cfg.Registry.LingerSecs = 30
	}
	if cfg.Memory.MaxBytes == 0 {
		cfg.Memory.MaxBytes = 1 << 30
	}

	return cfg, nil
}
