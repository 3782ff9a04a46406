// Package config loads sockrelay configuration from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SOCKRELAY_LOG_LEVEL.
const EnvPrefix = "SOCKRELAY"

// Config is the root application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Socket   SocketConfig   `mapstructure:"socket" yaml:"socket"`
	Keystore KeystoreConfig `mapstructure:"keystore" yaml:"keystore"`
	NetInfo  NetInfoConfig  `mapstructure:"netinfo" yaml:"netinfo"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	UART     UARTConfig     `mapstructure:"uart" yaml:"uart"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SocketConfig tunes the socket engine and host stack.
type SocketConfig struct {
	// RxBuffer is the transfer buffer size in bytes.
	RxBuffer         int           `mapstructure:"rx_buffer" yaml:"rx_buffer"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// KeystoreConfig locates credentials by security tag.
type KeystoreConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// NetInfoConfig selects the local address reported for Bind.
type NetInfoConfig struct {
	// Interfaces are glob patterns over interface names.
	Interfaces []string `mapstructure:"interfaces" yaml:"interfaces"`
	IPv4       string   `mapstructure:"ipv4" yaml:"ipv4"`
	IPv6       string   `mapstructure:"ipv6" yaml:"ipv6"`
}

// ResolverConfig selects name servers. No servers means the system resolver.
type ResolverConfig struct {
	Servers []string      `mapstructure:"servers" yaml:"servers"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// UARTConfig selects the command channel.
type UARTConfig struct {
	// Mode: stdio, pty or tcp
	Mode   string `mapstructure:"mode" yaml:"mode"`
	Listen string `mapstructure:"listen" yaml:"listen"`
	Link   string `mapstructure:"link" yaml:"link"`
	Echo   bool   `mapstructure:"echo" yaml:"echo"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/sockrelay.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Socket: SocketConfig{
			RxBuffer:         1024,
			HandshakeTimeout: 30 * time.Second,
		},
		Keystore: KeystoreConfig{Dir: "./certs", Watch: true},
		NetInfo:  NetInfoConfig{Interfaces: []string{"*"}},
		Resolver: ResolverConfig{Timeout: 2 * time.Second},
		UART:     UARTConfig{Mode: "stdio", Listen: "127.0.0.1:7000"},
	}
}

// Load reads configuration from path when non-empty, otherwise from
// sockrelay.yaml in the working directory, ./configs or ~/.sockrelay.
// A missing file is not an error. Environment variables override file
// values: SOCKRELAY_SOCKET_RX_BUFFER=2048.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sockrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sockrelay"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configurations decode.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("socket.rx_buffer", cfg.Socket.RxBuffer)
	v.SetDefault("socket.handshake_timeout", cfg.Socket.HandshakeTimeout)

	v.SetDefault("keystore.dir", cfg.Keystore.Dir)
	v.SetDefault("keystore.watch", cfg.Keystore.Watch)

	v.SetDefault("netinfo.interfaces", cfg.NetInfo.Interfaces)
	v.SetDefault("netinfo.ipv4", cfg.NetInfo.IPv4)
	v.SetDefault("netinfo.ipv6", cfg.NetInfo.IPv6)

	v.SetDefault("resolver.servers", cfg.Resolver.Servers)
	v.SetDefault("resolver.timeout", cfg.Resolver.Timeout)

	v.SetDefault("uart.mode", cfg.UART.Mode)
	v.SetDefault("uart.listen", cfg.UART.Listen)
	v.SetDefault("uart.link", cfg.UART.Link)
	v.SetDefault("uart.echo", cfg.UART.Echo)
}

// Validate checks ranges and normalizes enumerations in place.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Socket.RxBuffer < 1 || c.Socket.RxBuffer > 65535 {
		return fmt.Errorf("invalid socket.rx_buffer: %d (must be 1..65535)", c.Socket.RxBuffer)
	}
	if c.Socket.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid socket.handshake_timeout: %s", c.Socket.HandshakeTimeout)
	}
	if strings.TrimSpace(c.Keystore.Dir) == "" {
		return fmt.Errorf("keystore.dir is required")
	}
	if c.Resolver.Timeout < 0 {
		return fmt.Errorf("invalid resolver.timeout: %s", c.Resolver.Timeout)
	}

	c.UART.Mode = strings.ToLower(strings.TrimSpace(c.UART.Mode))
	switch c.UART.Mode {
	case "stdio", "pty":
	case "tcp":
		if c.UART.Listen == "" {
			return fmt.Errorf("uart.listen is required in tcp mode")
		}
	default:
		return fmt.Errorf("invalid uart.mode: %q", c.UART.Mode)
	}
	return nil
}
