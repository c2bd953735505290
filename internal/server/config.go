// Package server provides configuration loading that defines runtime
// defaults, validation, and rate-limiting parameters for the relay.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
// Sections are separated by a double underscore, for example
// CHATRELAY_UDP__IDLE_TIMEOUT=30s.
const EnvPrefix = "CHATRELAY_"

// ErrNoTransport is returned when every transport is disabled.
var ErrNoTransport = errors.New("no transport enabled")

// RateLimitConfig defines the parameters for per-session chat rate limiting.
// A zero Burst disables the limit.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst" validate:"gte=0"`
	RefillInterval time.Duration `koanf:"refill_interval" validate:"gt=0"`
}

// TCPConfig controls the connection-oriented transport.
type TCPConfig struct {
	Enabled bool `koanf:"enabled"`
}

// UDPConfig controls the connectionless transport. A zero IdleTimeout keeps
// participants until they send an explicit leave.
type UDPConfig struct {
	Enabled     bool          `koanf:"enabled"`
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"gte=0"`
}

// HTTPConfig controls the monitoring and WebSocket endpoint. An empty Addr
// disables it.
type HTTPConfig struct {
	Addr           string   `koanf:"addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Config holds the relay configuration.
type Config struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`

	TCP  TCPConfig  `koanf:"tcp"`
	UDP  UDPConfig  `koanf:"udp"`
	HTTP HTTPConfig `koanf:"http"`

	PollInterval     time.Duration `koanf:"poll_interval" validate:"gt=0"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxMessageSize   int           `koanf:"max_message_size" validate:"gt=0"`
	SendBuffer       int           `koanf:"send_buffer" validate:"gt=0"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Log       LogConfig       `koanf:"log"`
}

// DefaultConfig returns a Config populated with default values. Host and
// Port still have to be supplied by the operator.
func DefaultConfig() Config {
	return Config{
		TCP: TCPConfig{Enabled: true},
		UDP: UDPConfig{Enabled: true},
		HTTP: HTTPConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		PollInterval:     500 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		MaxMessageSize:   1024,
		SendBuffer:       256,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig layers defaults, the optional YAML file at path and CHATRELAY_
// environment variables, then sanitizes the result. Validation is left to
// the caller so CLI flags can still override fields.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	cfg.Host = strings.TrimSpace(cfg.Host)

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	cfg.HTTP.AllowedOrigins = cleanOrigins(cfg.HTTP.AllowedOrigins, slog.Default())

	return cfg
}

// Validate checks the configuration for startup.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.TCP.Enabled && !c.UDP.Enabled && c.HTTP.Addr == "" {
		return ErrNoTransport
	}
	return nil
}

// Addr returns the host:port both socket transports listen on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
