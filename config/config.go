// Package config loads and validates the single YAML configuration
// document that drives the daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Server   ServerConfig   `yaml:"server"`
	Features FeatureConfig  `yaml:"features"`
	Caching  CachingConfig  `yaml:"caching"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PostgresConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PortsConfig struct {
	HTTP    int `yaml:"http"`
	Admin   int `yaml:"admin"`
	TCP     int `yaml:"tcp"`
	Cache   int `yaml:"cache"`
	Storage int `yaml:"storage"`
	MCP     int `yaml:"mcp"`
}

type ProtocolsConfig struct {
	REST      bool `yaml:"rest"`
	WebSocket bool `yaml:"websocket"`
	SSE       bool `yaml:"sse"`
	TCP       bool `yaml:"tcp"`
	MCP       bool `yaml:"mcp"`
}

type ServerConfig struct {
	Host      string          `yaml:"host"`
	Ports     PortsConfig     `yaml:"ports"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	Admin     bool            `yaml:"admin"`
}

type FeatureConfig struct {
	Storage bool `yaml:"storage"`
	Caching bool `yaml:"caching"`
	Backup  bool `yaml:"backup"`
}

type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Interval int    `yaml:"interval"`
}

// ProxyConfig points the cache at an external Redis when the caching
// mode is "proxy".
type ProxyConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Password   string `yaml:"password"`
	Database   int    `yaml:"database"`
	TLSEnabled bool   `yaml:"tls_enabled"`
}

// IsConfigured reports whether a proxy host has been set.
func (p ProxyConfig) IsConfigured() bool { return p.Host != "" }

// ConnectionURL builds a go-redis connection URL for the proxy target.
func (p ProxyConfig) ConnectionURL() string {
	scheme := "redis"
	if p.TLSEnabled {
		scheme = "rediss"
	}
	auth := ""
	if p.Password != "" {
		auth = ":" + p.Password + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d/%d", scheme, auth, p.Host, p.Port, p.Database)
}

type CachingConfig struct {
	Port       int            `yaml:"port"`
	MaxMemory  string         `yaml:"max_memory"`
	Eviction   string         `yaml:"eviction"`
	DefaultTTL int            `yaml:"default_ttl"`
	Mode       string         `yaml:"mode"`
	Snapshot   SnapshotConfig `yaml:"snapshot"`
	Proxy      ProxyConfig    `yaml:"proxy"`
}

// MaxMemoryBytes parses the configured memory limit, falling back to
// 256 MiB when the string is malformed.
func (c CachingConfig) MaxMemoryBytes() int {
	n, err := ParseMemorySize(c.MaxMemory)
	if err != nil {
		return 256 * 1024 * 1024
	}
	return n
}

type LimitsConfig struct {
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
	RequestsPerSecond   int `yaml:"requests_per_second"`
	QueryTimeoutMs      int `yaml:"query_timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when a section or field is
// absent from the loaded document.
func Default() Config {
	return Config{
		Backend:  "postgres",
		Postgres: PostgresConfig{MaxConnections: 20},
		SQLite:   SQLiteConfig{Path: "squirreldb.db"},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Ports: PortsConfig{
				HTTP:    8080,
				Admin:   8081,
				TCP:     8082,
				Cache:   6379,
				Storage: 9000,
				MCP:     8083,
			},
			Protocols: ProtocolsConfig{REST: true, WebSocket: true, TCP: true},
			Admin:     true,
		},
		Features: FeatureConfig{Caching: true},
		Caching: CachingConfig{
			Port:      6379,
			MaxMemory: "256mb",
			Eviction:  "lru",
			Mode:      "builtin",
			Snapshot: SnapshotConfig{
				Path:     "./data/cache.snapshot",
				Interval: 300,
			},
			Proxy: ProxyConfig{Host: "localhost", Port: 6379},
		},
		Limits: LimitsConfig{
			MaxConnectionsPerIP: 100,
			RequestsPerSecond:   10,
			QueryTimeoutMs:      5000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the YAML config file at path, layering it over
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q (expected postgres or sqlite)", c.Backend)
	}
	if c.Backend == "postgres" && c.Postgres.URL == "" {
		return fmt.Errorf("postgres backend requires postgres.url")
	}
	if _, err := ParseMemorySize(c.Caching.MaxMemory); err != nil {
		return fmt.Errorf("caching.max_memory: %w", err)
	}
	switch c.Caching.Mode {
	case "", "builtin", "memory", "inmemory", "proxy", "external", "redis":
	default:
		return fmt.Errorf("unknown caching.mode %q", c.Caching.Mode)
	}
	return nil
}

// ProxyMode reports whether the cache should pass through to an
// external Redis.
func (c CachingConfig) ProxyMode() bool {
	switch strings.ToLower(c.Mode) {
	case "proxy", "external", "redis":
		return true
	}
	return false
}

// Address formats host:port for the given port.
func (c Config) Address(port int) string {
	return fmt.Sprintf("%s:%d", c.Server.Host, port)
}

// ParseMemorySize parses a human memory size such as "256mb", "1gb",
// "512kb" or "1024b". Suffixes are case-insensitive; a bare number is
// bytes.
func ParseMemorySize(s string) (int, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	mult := 1
	switch {
	case strings.HasSuffix(t, "gb"):
		mult, t = 1024*1024*1024, t[:len(t)-2]
	case strings.HasSuffix(t, "mb"):
		mult, t = 1024*1024, t[:len(t)-2]
	case strings.HasSuffix(t, "kb"):
		mult, t = 1024, t[:len(t)-2]
	case strings.HasSuffix(t, "b"):
		t = t[:len(t)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(t))
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return n * mult, nil
}

// FormatMemorySize renders bytes with the largest suffix that keeps the
// value at or above one.
func FormatMemorySize(bytes int) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1fGB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1fMB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1fKB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
