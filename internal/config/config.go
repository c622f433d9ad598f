package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Transport   string        `yaml:"transport"` // "bluez", "tcp", or "mem"
	Service     ServiceConfig `yaml:"service"`
	Link        LinkConfig    `yaml:"link"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

// ServiceConfig describes the advertised service.
type ServiceConfig struct {
	UUID       string `yaml:"uuid"`
	Name       string `yaml:"name"`
	Adapter    string `yaml:"adapter"`     // bluez only, e.g. "hci0"
	Channel    uint16 `yaml:"channel"`     // RFCOMM channel, bluez only
	ListenAddr string `yaml:"listen_addr"` // tcp only
}

// LinkConfig tunes the connection manager.
type LinkConfig struct {
	ReadBuffer       int           `yaml:"read_buffer"`
	DialTimeout      time.Duration `yaml:"dial_timeout"` // 0 waits for the transport
	ListenRetries    int           `yaml:"listen_retries"`
	ListenBackoffMax time.Duration `yaml:"listen_backoff_max"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport: "bluez",
		Service: ServiceConfig{
			UUID:       "00001101-0000-1000-8000-00805f9b34fb",
			Name:       "btlink",
			Adapter:    "hci0",
			Channel:    22,
			ListenAddr: ":7320",
		},
		Link: LinkConfig{
			ReadBuffer:       1024,
			DialTimeout:      30 * time.Second,
			ListenRetries:    3,
			ListenBackoffMax: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde (~) in path is expanded to the user's
// home directory. Durations use Go syntax ("30s", "1m").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if u, err := uuid.Parse(cfg.Service.UUID); err == nil {
		cfg.Service.UUID = u.String()
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case "bluez", "tcp", "mem":
	default:
		return fmt.Errorf("transport must be bluez, tcp, or mem, got %q", c.Transport)
	}

	if _, err := uuid.Parse(c.Service.UUID); err != nil {
		return fmt.Errorf("service.uuid %q: %w", c.Service.UUID, err)
	}

	if c.Transport == "bluez" {
		if c.Service.Adapter == "" {
			return errors.New("service.adapter must not be empty")
		}
		if c.Service.Channel < 1 || c.Service.Channel > 30 {
			return fmt.Errorf("service.channel must be 1..30, got %d", c.Service.Channel)
		}
	}

	if c.Transport == "tcp" {
		if _, _, err := net.SplitHostPort(c.Service.ListenAddr); err != nil {
			return fmt.Errorf("service.listen_addr %q: %w", c.Service.ListenAddr, err)
		}
	}

	if c.Link.ReadBuffer <= 0 {
		return errors.New("link.read_buffer must be > 0")
	}
	if c.Link.DialTimeout < 0 {
		return errors.New("link.dial_timeout must be >= 0")
	}
	if c.Link.ListenRetries < 0 {
		return errors.New("link.listen_retries must be >= 0")
	}
	if c.Link.ListenBackoffMax <= 0 {
		return errors.New("link.listen_backoff_max must be > 0")
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr %q: %w", c.MetricsAddr, err)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values mean info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = "# btlink configuration\n# transport: bluez | tcp | mem\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) when a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
