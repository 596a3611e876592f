package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Storage             StorageConfig `mapstructure:"storage"`
	Server              ServerConfig  `mapstructure:"server"`
}

// AdminConfig describes the metrics/health endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// StorageConfig controls offline message buffering. Buffering is active only
// when both Dir and AllowList are non-empty.
type StorageConfig struct {
	Dir           string   `mapstructure:"dir"`
	AllowList     []string `mapstructure:"allow_list"`
	PassphraseEnv string   `mapstructure:"passphrase_env"`
}

// ServerConfig tunes the WebSocket endpoint.
type ServerConfig struct {
	ReadLimit      int64    `mapstructure:"read_limit"`
	SendBuffer     int      `mapstructure:"send_buffer"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultReadLimit           = 256 << 10
	defaultSendBuffer          = 32
	defaultPassphraseEnv       = "AGORA_STORE_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with AGORA_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGORA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.allow_list", []string{})
	v.SetDefault("storage.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("server.read_limit", defaultReadLimit)
	v.SetDefault("server.send_buffer", defaultSendBuffer)
	v.SetDefault("server.allowed_origins", []string{})

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
	dur, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
	}
	cfg.ShutdownGracePeriod = dur

	hdr, err := time.ParseDuration(v.GetString("admin.read_header_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid admin.read_header_timeout: %w", err)
	}
	cfg.Admin.ReadHeaderTimeout = hdr

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Server.ReadLimit <= 0 {
		cfg.Server.ReadLimit = defaultReadLimit
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = defaultSendBuffer
	}
	if cfg.Storage.PassphraseEnv == "" {
		cfg.Storage.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

// StorageEnabled reports whether offline buffering is fully configured.
func (c Config) StorageEnabled() bool {
	return c.Storage.Dir != "" && len(c.Storage.AllowList) > 0
}

// StorePassphrase fetches the optional at-rest sealing passphrase from the
// configured environment variable. Empty means records are stored unsealed.
func (c Config) StorePassphrase() string {
	env := c.Storage.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	return strings.TrimSpace(getenv(env))
}

// split out for testing.
var getenv = os.Getenv
