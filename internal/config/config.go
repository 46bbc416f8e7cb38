// Package config manages udpcore daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/udpcore/internal/netio"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete udpcore configuration.
type Config struct {
	Transport TransportConfig `koanf:"transport"`
	Echo      EchoConfig      `koanf:"echo"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

// TransportConfig holds the socket bind parameters.
type TransportConfig struct {
	// IPv4 is the local IPv4 address (e.g., "0.0.0.0").
	IPv4 string `koanf:"ipv4"`

	// IPv6 is the local IPv6 address (e.g., "::").
	IPv6 string `koanf:"ipv6"`

	// Port is the local UDP port. Zero requests an ephemeral port.
	Port int `koanf:"port"`

	// ReuseAddress sets SO_REUSEADDR on every socket.
	ReuseAddress bool `koanf:"reuse_address"`

	// IPv6Mode is one of "disabled", "separate", "dual".
	IPv6Mode string `koanf:"ipv6_mode"`

	// ManualMode disables background receivers. The daemon pumps
	// receive processing every ManualInterval instead.
	ManualMode bool `koanf:"manual_mode"`

	// ManualInterval is the manual pump period (e.g., "10ms").
	ManualInterval time.Duration `koanf:"manual_interval"`

	// NativeSockets selects the raw-syscall socket variant where supported.
	NativeSockets bool `koanf:"native_sockets"`

	// TTL overrides the primary socket TTL after bind. Zero keeps the
	// default.
	TTL int `koanf:"ttl"`
}

// EchoConfig controls the daemon's built-in datagram sink.
type EchoConfig struct {
	// Enabled sends every received datagram back to its sender.
	Enabled bool `koanf:"enabled"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	// An empty Addr disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BindOptions converts the transport section to netio.BindOptions.
// Empty addresses fall back to the wildcard of their family.
func (tc TransportConfig) BindOptions() (netio.BindOptions, error) {
	opts := netio.DefaultBindOptions()
	opts.Port = tc.Port
	opts.ReuseAddress = tc.ReuseAddress
	opts.ManualMode = tc.ManualMode

	mode, err := netio.ParseIPv6Mode(tc.IPv6Mode)
	if err != nil {
		return netio.BindOptions{}, err
	}
	opts.IPv6Mode = mode

	if tc.IPv4 != "" {
		addr, err := netip.ParseAddr(tc.IPv4)
		if err != nil {
			return netio.BindOptions{}, fmt.Errorf("parse transport.ipv4 %q: %w", tc.IPv4, err)
		}
		if !addr.Is4() {
			return netio.BindOptions{}, fmt.Errorf("transport.ipv4 %q: %w", tc.IPv4, ErrInvalidIPv4Addr)
		}
		opts.IPv4 = addr
	}

	if tc.IPv6 != "" {
		addr, err := netip.ParseAddr(tc.IPv6)
		if err != nil {
			return netio.BindOptions{}, fmt.Errorf("parse transport.ipv6 %q: %w", tc.IPv6, err)
		}
		if !addr.Is6() || addr.Is4In6() {
			return netio.BindOptions{}, fmt.Errorf("transport.ipv6 %q: %w", tc.IPv6, ErrInvalidIPv6Addr)
		}
		opts.IPv6 = addr
	}

	return opts, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: wildcard
// addresses on port 9050 with a separate IPv6 socket and background receivers.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			IPv4:           "0.0.0.0",
			IPv6:           "::",
			Port:           9050,
			IPv6Mode:       netio.IPv6SeparateSocket.String(),
			ManualInterval: 15 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udpcore configuration.
// Variables are named UDPCORE_<section>_<key>, e.g., UDPCORE_TRANSPORT_PORT.
const envPrefix = "UDPCORE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UDPCORE_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer.
//
// Environment variable mapping:
//
//	UDPCORE_TRANSPORT_PORT           -> transport.port
//	UDPCORE_TRANSPORT_REUSE_ADDRESS  -> transport.reuse_address
//	UDPCORE_TRANSPORT_IPV6_MODE      -> transport.ipv6_mode
//	UDPCORE_ECHO_ENABLED             -> echo.enabled
//	UDPCORE_METRICS_ADDR             -> metrics.addr
//	UDPCORE_LOG_LEVEL                -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %q: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPCORE_TRANSPORT_REUSE_ADDRESS into
// transport.reuse_address. Only the first underscore separates the section
// so multi-word keys keep theirs.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"transport.ipv4":            defaults.Transport.IPv4,
		"transport.ipv6":            defaults.Transport.IPv6,
		"transport.port":            defaults.Transport.Port,
		"transport.reuse_address":   defaults.Transport.ReuseAddress,
		"transport.ipv6_mode":       defaults.Transport.IPv6Mode,
		"transport.manual_mode":     defaults.Transport.ManualMode,
		"transport.manual_interval": defaults.Transport.ManualInterval.String(),
		"transport.native_sockets":  defaults.Transport.NativeSockets,
		"transport.ttl":             defaults.Transport.TTL,
		"echo.enabled":              defaults.Echo.Enabled,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Sentinel errors for configuration validation.
var (
	// ErrInvalidPort indicates the transport port is outside 0..65535.
	ErrInvalidPort = errors.New("transport.port must be in 0..65535")

	// ErrInvalidIPv4Addr indicates transport.ipv4 is not an IPv4 address.
	ErrInvalidIPv4Addr = errors.New("transport.ipv4 must be an IPv4 address")

	// ErrInvalidIPv6Addr indicates transport.ipv6 is not an IPv6 address.
	ErrInvalidIPv6Addr = errors.New("transport.ipv6 must be an IPv6 address")

	// ErrInvalidManualInterval indicates manual mode has no positive pump period.
	ErrInvalidManualInterval = errors.New("transport.manual_interval must be > 0 in manual mode")

	// ErrInvalidTTL indicates the TTL override is outside 0..255.
	ErrInvalidTTL = errors.New("transport.ttl must be in 0..255")

	// ErrEmptyMetricsPath indicates a metrics endpoint without a path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty when metrics.addr is set")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	tc := cfg.Transport

	if tc.Port < 0 || tc.Port > 65535 {
		return ErrInvalidPort
	}

	if _, err := tc.BindOptions(); err != nil {
		return err
	}

	if tc.ManualMode && tc.ManualInterval <= 0 {
		return ErrInvalidManualInterval
	}

	if tc.TTL < 0 || tc.TTL > 255 {
		return ErrInvalidTTL
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
