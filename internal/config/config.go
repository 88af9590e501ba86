// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/sse-monitor/config.toml",
	"configs/config.toml",
}

// DefaultPort is the listen port used when neither the config file nor
// PROXY_PORT sets one.
const DefaultPort = 3001

// DefaultRoute is the forwarding endpoint path.
const DefaultRoute = "/api/sse"

// reservedRoutes are served by the health handler and cannot be reused.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='PROXY_PORT'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (3001)
	Route     string          `toml:"route"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int  `toml:"connect_timeout_seconds"`
	HeaderTimeoutSeconds  int  `toml:"header_timeout_seconds"`
	IdleTimeoutSeconds    int  `toml:"idle_timeout_seconds"` // negative disables the idle watchdog
	IdleConnections       int  `toml:"idle_connections"`
	InsecureSkipVerify    bool `toml:"insecure_skip_verify"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/sse-monitor/config.toml then configs/config.toml. Running without a
// config file is allowed; defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.header_timeout_seconds must be non-negative; got %d", c.Upstream.HeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Forwarding route.
	route := c.Server.Route
	if route[0] != '/' || route == "/" {
		return fmt.Errorf("server.route must start with '/' and not be the root; got %q", route)
	}
	if strings.HasSuffix(route, "/") {
		return fmt.Errorf("server.route must not end with '/'; got %q", route)
	}
	for _, reserved := range reservedRoutes {
		if overlaps(route, reserved) {
			return fmt.Errorf("server.route %q conflicts with reserved route %q", route, reserved)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{route}, reservedRoutes...) {
			if overlaps(p, reserved) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// overlaps reports whether p equals reserved or either one is a sub-path of the other.
func overlaps(p, reserved string) bool {
	return p == reserved || strings.HasPrefix(p, reserved+"/") || strings.HasPrefix(reserved, p+"/")
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Route == "" {
		c.Server.Route = DefaultRoute
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Upstream.HeaderTimeoutSeconds == 0 {
		c.Upstream.HeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// IdleTimeout returns the upstream idle watchdog interval; zero means disabled.
func (u *UpstreamConfig) IdleTimeout() time.Duration {
	if u.IdleTimeoutSeconds < 0 {
		return 0
	}
	return time.Duration(u.IdleTimeoutSeconds) * time.Second
}
